package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/storedesk/internal/record"
)

// DefaultWatchInterval is how often a Poller lists the remote store.
const DefaultWatchInterval = 5 * time.Second

// Poller turns a list operation into a change feed for stores without push
// notifications. Snapshots are compared by digest and fn is only called when
// the ordered set changes.
type Poller struct {
	list     func(ctx context.Context) ([]record.Record, error)
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller over list.
func NewPoller(list func(ctx context.Context) ([]record.Record, error), interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{list: list, interval: interval, logger: logger.With("component", "watch-poller")}
}

// Watch starts polling. The first successful listing is always delivered.
func (p *Poller) Watch(ctx context.Context, fn func([]record.Record)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var last [blake2b.Size256]byte
		delivered := false
		for {
			records, err := p.list(ctx)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					p.logger.Warn("watch listing failed", "error", err)
				}
			default:
				sum := digest(records)
				if !delivered || sum != last {
					last, delivered = sum, true
					fn(records)
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func digest(records []record.Record) [blake2b.Size256]byte {
	data, err := json.Marshal(records)
	if err != nil {
		return [blake2b.Size256]byte{}
	}
	return blake2b.Sum256(data)
}
