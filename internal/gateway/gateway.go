// Package gateway provides the remote persistence gateway: the document store
// that receipts end up in once they leave the device.
//
// Every implementation is idempotent on the record's idempotency key, so a
// record that was persisted but not yet removed from the offline queue can be
// replayed without creating a second remote copy.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clawinfra/storedesk/internal/record"
)

var (
	// ErrNetwork marks a remote call that could not complete.
	ErrNetwork = errors.New("remote store unreachable")

	// ErrNotFound is returned when deleting an identifier the store does not hold.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRange is returned for malformed range query bounds.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrRejected marks a request the remote store answered and refused, such
	// as an expired or wrong token.
	ErrRejected = errors.New("remote store rejected the request")
)

// Gateway is the remote document store contract.
type Gateway interface {
	// CreateRecord persists r and returns its server identifier. Creating a
	// record whose idempotency key is already stored returns the existing
	// identifier.
	CreateRecord(ctx context.Context, r record.Record) (string, error)
	DeleteRecord(ctx context.Context, serverID string) error
	// ListAll returns every persisted record, newest first.
	ListAll(ctx context.Context) ([]record.Record, error)
	// Watch calls fn with the full ordered snapshot on every remote change
	// until the returned function is called or ctx ends.
	Watch(ctx context.Context, fn func([]record.Record)) (func(), error)
	// QueryRange returns records whose arrival date is within the query,
	// ordered by arrival date descending.
	QueryRange(ctx context.Context, q RangeQuery) ([]record.Record, error)
	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// RangeQuery selects records by arrival date and area. Empty fields do not
// filter.
type RangeQuery struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Area string `json:"area,omitempty"`
}

// Validate checks the date bounds.
func (q RangeQuery) Validate() error {
	var from, to time.Time
	var err error
	if q.From != "" {
		if from, err = time.Parse(record.DateLayout, q.From); err != nil {
			return fmt.Errorf("%w: from %q", ErrInvalidRange, q.From)
		}
	}
	if q.To != "" {
		if to, err = time.Parse(record.DateLayout, q.To); err != nil {
			return fmt.Errorf("%w: to %q", ErrInvalidRange, q.To)
		}
	}
	if q.From != "" && q.To != "" && from.After(to) {
		return fmt.Errorf("%w: %s is after %s", ErrInvalidRange, q.From, q.To)
	}
	return nil
}

// Match reports whether r satisfies q. Dates in DateLayout compare correctly
// as strings.
func (q RangeQuery) Match(r *record.Record) bool {
	if q.From != "" && r.ArrivalDate < q.From {
		return false
	}
	if q.To != "" && r.ArrivalDate > q.To {
		return false
	}
	if q.Area != "" && r.Area != q.Area {
		return false
	}
	return true
}

// FilterRange applies q to records that are already newest first and
// returns them ordered by arrival date descending.
func FilterRange(records []record.Record, q RangeQuery) []record.Record {
	out := make([]record.Record, 0, len(records))
	for i := range records {
		if q.Match(&records[i]) {
			out = append(out, records[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ArrivalDate > out[j].ArrivalDate
	})
	return out
}

// IsNetwork reports whether err means the remote store could not be reached.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded)
}
