package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrChainBroken is fatal for the device: appends stop until an operator
	// audits the chain and clears the halt.
	ErrChainBroken = errors.New("invoice chain broken")

	// ErrDeviceHalted is returned for appends on a device halted by a chain break.
	ErrDeviceHalted = errors.New("device ledger halted")

	ErrInvalidDevice = errors.New("device id is required")
	ErrInvalidRange  = errors.New("invalid sequence range")
)

// ChainBrokenError identifies the first link that failed verification.
type ChainBrokenError struct {
	DeviceID string
	Sequence int64
	Reason   string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("ledger: chain broken on %s at sequence %d: %s", e.DeviceID, e.Sequence, e.Reason)
}

func (e *ChainBrokenError) Is(target error) bool {
	return target == ErrChainBroken
}
