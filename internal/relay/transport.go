package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dmitrijs2005/chatsync/internal/common"
)

// Transport is the capability interface over a relay channel. The live
// channel and the REST fallback both implement it; a policy picker selects
// between them based on current connectivity.
type Transport interface {
	// Send delivers an envelope and returns the relay's receipt.
	Send(ctx context.Context, env Envelope) (*DeliveryReceipt, error)

	// Subscribe returns the stream of incoming envelopes. The sequence is
	// infinite and not restartable; it is consumed by the engine's
	// long-lived receive loop.
	Subscribe(ctx context.Context) (<-chan Incoming, error)

	// Close tears the channel down.
	Close() error
}

// Class partitions transport failures for the scheduler: Retriable failures
// trigger backoff, Fatal ones mark the entry Failed and stop retrying.
type Class int

const (
	Retriable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retriable"
}

// Classify maps a transport error to its failure class. Protocol-level
// rejections wrap common.ErrFatal; everything else (timeouts, connection
// resets, 5xx) is considered transient.
func Classify(err error) Class {
	if errors.Is(err, common.ErrFatal) {
		return Fatal
	}
	if errors.Is(err, common.ErrRetriable) {
		return Retriable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retriable
	}
	return Retriable
}

// retriable wraps err as a transient transport failure.
func retriable(err error) error {
	return fmt.Errorf("%w: %w", common.ErrRetriable, err)
}

// fatal wraps err as a protocol-level rejection.
func fatal(err error) error {
	return fmt.Errorf("%w: %w", common.ErrFatal, err)
}
