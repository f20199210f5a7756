package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"fiscalpos/backend/internal/domain"
)

// KafkaNotifier publishes alerts to the operator alert topic, keyed by device
// so alerts for one terminal stay ordered within a partition.
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("alert: kafka brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("alert: kafka topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("alert: kafka client: %w", err)
	}
	return &KafkaNotifier{client: client, topic: topic}, nil
}

func (k *KafkaNotifier) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

func (k *KafkaNotifier) Notify(ctx context.Context, a domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(a.DeviceID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("alert: publish: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	k.client.Close()
	return nil
}
