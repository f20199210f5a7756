package xid

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// idempotencyNamespace scopes reporting keys so they never collide with other v5 ids.
var idempotencyNamespace = uuid.MustParse("6f1c2a7e-3d4b-5c8e-9a0f-1b2c3d4e5f60")

// New returns a time-ordered id with the given prefix.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// IdempotencyKey derives the reporting key for an invoice. The same device and
// sequence always produce the same key, so retries and replays reuse it.
func IdempotencyKey(deviceID string, sequence int64) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(deviceID+"/"+strconv.FormatInt(sequence, 10))).String()
}
