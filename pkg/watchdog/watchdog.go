// Package watchdog fails the serve loop when pairing stops succeeding or the pairing blob is
// replaced underneath it.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
)

// WatchdogError is a typed error for watchdog-related errors.
type WatchdogError string

func (e WatchdogError) Error() string { return string(e) }

const (
	// ErrInstanceIDRequired is returned when no pairing blob instance is given.
	ErrInstanceIDRequired = WatchdogError("instance ID is required")
	// ErrIntervalRequired is returned when the interval is not positive.
	ErrIntervalRequired = WatchdogError("interval must be positive")
	// ErrPairingTimeout is returned when no pairing succeeds within the interval.
	ErrPairingTimeout = WatchdogError("pairing heartbeat timeout")
	// ErrInstanceIDMismatch is returned when a pairing reports a different blob instance.
	ErrInstanceIDMismatch = WatchdogError("instance ID mismatch")
)

// Watchdog expects a heartbeat carrying the same instance ID at least once per interval.
type Watchdog struct {
	instanceID uuid.UUID
	interval   time.Duration
	timer      *time.Ticker
	beats      chan uuid.UUID
}

// New creates a new watchdog for the pairing blob instance.
func New(instanceID uuid.UUID, interval time.Duration) (*Watchdog, error) {
	if instanceID == uuid.Nil {
		return nil, ErrInstanceIDRequired
	}
	if interval <= 0 {
		return nil, ErrIntervalRequired
	}
	return &Watchdog{
		instanceID: instanceID,
		interval:   interval,
		timer:      time.NewTicker(interval),
		beats:      make(chan uuid.UUID),
	}, nil
}

// Heartbeat reports a successful pairing of instanceID. It blocks until the watchdog takes it
// or ctx is done.
func (w *Watchdog) Heartbeat(ctx context.Context, instanceID uuid.UUID) error {
	select {
	case w.beats <- instanceID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the watchdog. It returns an error when no heartbeat arrives within the interval
// or a heartbeat names another instance. If the context is cancelled, it returns nil.
func (w *Watchdog) Start(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("component", "watchdog").Logger()
	defer w.timer.Stop()
	w.timer.Reset(w.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.timer.C:
			return fmt.Errorf("%w: no pairing within %s", ErrPairingTimeout, w.interval)
		case id := <-w.beats:
			if id != w.instanceID {
				return fmt.Errorf("%w: got %v, expected %v", ErrInstanceIDMismatch, id, w.instanceID)
			}
			logger.Debug().Msg("Heartbeat received.")
			w.timer.Reset(w.interval)
		}
	}
}
