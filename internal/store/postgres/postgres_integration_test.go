//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"fiscalpos/backend/internal/store/storetest"
)

func TestStoreBehaviour(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("fiscalpos"),
		tcpostgres.WithUsername("fiscalpos"),
		tcpostgres.WithPassword("fiscalpos"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := Migrate(ctx, databaseURL); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// a second run is a no-op
	if err := Migrate(ctx, databaseURL); err != nil {
		t.Fatalf("migrate again: %v", err)
	}

	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	storetest.Run(t, func(t *testing.T) storetest.Repository {
		if _, err := s.db.ExecContext(ctx, `
			TRUNCATE ledger_states, invoices, queue_entries, sync_attempts, device_holds, app_users
		`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
