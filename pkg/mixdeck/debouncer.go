package mixdeck

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// default quiescence window: a burst ends once no notification arrived for this long
const defaultDebounceInterval = 100 * time.Millisecond

// debouncer collapses bursts of raw notifications into one trailing event
// that carries only the latest payload
type debouncer struct {
	logger   *zap.SugaredLogger
	interval time.Duration
	verbose  bool

	in      *queue[Notification]
	forward func(ctx context.Context, n Notification) error
}

func newDebouncer(
	logger *zap.SugaredLogger,
	interval time.Duration,
	in *queue[Notification],
	forward func(ctx context.Context, n Notification) error,
	verbose bool,
) *debouncer {
	logger = logger.Named("debouncer")

	if interval <= 0 {
		interval = defaultDebounceInterval
	}

	db := &debouncer{
		logger:   logger,
		interval: interval,
		verbose:  verbose,
		in:       in,
		forward:  forward,
	}

	logger.Debugw("Created debouncer instance", "interval", interval)

	return db
}

// run loops until the input is closed (after forwarding whatever is pending),
// forwarding fails or ctx is done. It closes its input on the way out
func (db *debouncer) run(ctx context.Context) error {
	defer db.in.close()

	var (
		pending *Notification
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	defer stopTimer()

	flush := func() error {
		n := *pending
		pending = nil
		stopTimer()

		if db.verbose {
			db.logger.Debugw("Forwarding coalesced notification", "notification", n)
		}

		if err := db.forward(ctx, n); err != nil {
			db.logger.Warnw("Failed to forward coalesced notification", "error", err)
			return fmt.Errorf("forward coalesced notification: %w", err)
		}

		return nil
	}

	for {
		select {
		case n := <-db.in.items:
			if db.verbose {
				db.logger.Debugw("Received notification", "notification", n, "pending", pending != nil)
			}

			// the newest payload always replaces the pending one and restarts the window
			pending = &n
			stopTimer()
			timer = time.NewTimer(db.interval)
			timerC = timer.C

		case <-timerC:
			if err := flush(); err != nil {
				return err
			}

		case <-db.in.closed():
			for drained := false; !drained; {
				select {
				case n := <-db.in.items:
					pending = &n
				default:
					drained = true
				}
			}

			if pending != nil {
				if err := flush(); err != nil {
					return err
				}
			}

			db.logger.Debug("Notification stream closed, exiting")
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
