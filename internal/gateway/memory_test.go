package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/storedesk/internal/record"
)

func rec(key, area, arrival string) record.Record {
	return record.Record{OrderNumber: "OC-" + key, Area: area, ArrivalDate: arrival, IdempotencyKey: key}
}

func TestMemory_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()

	id1, err := g.CreateRecord(ctx, rec("a", "Taller", "2026-01-01"))
	require.NoError(t, err)
	id2, err := g.CreateRecord(ctx, rec("a", "Taller", "2026-01-01"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, []string{"a", "a"}, g.Attempts())
}

func TestMemory_ListAllNewestFirst(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	for _, k := range []string{"a", "b", "c"} {
		_, err := g.CreateRecord(ctx, rec(k, "Taller", "2026-01-01"))
		require.NoError(t, err)
	}

	all, err := g.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, record.Keys(all))
	for _, r := range all {
		assert.True(t, r.IsPersisted())
		assert.Equal(t, "anonymous", r.CreatedBy)
		assert.False(t, r.CreatedAt.IsZero())
	}
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	boom := errors.New("boom")

	g.FailNext(boom, nil)
	_, err := g.CreateRecord(ctx, rec("a", "", ""))
	assert.ErrorIs(t, err, boom)
	_, err = g.CreateRecord(ctx, rec("a", "", ""))
	assert.NoError(t, err)

	g.FailWhen(func(r record.Record) error {
		if r.IdempotencyKey == "b" {
			return ErrNetwork
		}
		return nil
	})
	_, err = g.CreateRecord(ctx, rec("b", "", ""))
	assert.ErrorIs(t, err, ErrNetwork)
	_, err = g.CreateRecord(ctx, rec("c", "", ""))
	assert.NoError(t, err)

	g.SetOffline(true)
	_, err = g.CreateRecord(ctx, rec("d", "", ""))
	assert.True(t, IsNetwork(err))
	assert.ErrorIs(t, g.Ping(ctx), ErrNetwork)
	_, err = g.ListAll(ctx)
	assert.ErrorIs(t, err, ErrNetwork)

	g.SetOffline(false)
	assert.NoError(t, g.Ping(ctx))
	assert.Equal(t, 2, g.Len())
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	id, err := g.CreateRecord(ctx, rec("a", "", ""))
	require.NoError(t, err)

	require.NoError(t, g.DeleteRecord(ctx, id))
	assert.Equal(t, 0, g.Len())
	assert.ErrorIs(t, g.DeleteRecord(ctx, id), ErrNotFound)

	// The key is free again after deletion.
	id2, err := g.CreateRecord(ctx, rec("a", "", ""))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestMemory_QueryRange(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	for _, r := range []record.Record{
		rec("a", "Taller", "2026-01-05"),
		rec("b", "Almacen", "2026-01-10"),
		rec("c", "Taller", "2026-01-20"),
		rec("d", "Taller", "2026-02-01"),
	} {
		_, err := g.CreateRecord(ctx, r)
		require.NoError(t, err)
	}

	got, err := g.QueryRange(ctx, RangeQuery{From: "2026-01-01", To: "2026-01-31"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, record.Keys(got))

	got, err = g.QueryRange(ctx, RangeQuery{From: "2026-01-01", To: "2026-01-31", Area: "Taller"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, record.Keys(got))

	got, err = g.QueryRange(ctx, RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, got, 4)

	_, err = g.QueryRange(ctx, RangeQuery{From: "01/01/2026"})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestMemory_WatchPushesSnapshots(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()

	var mu sync.Mutex
	var snapshots [][]string
	stop, err := g.Watch(ctx, func(records []record.Record) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, record.Keys(records))
	})
	require.NoError(t, err)

	_, err = g.CreateRecord(ctx, rec("a", "", ""))
	require.NoError(t, err)
	_, err = g.CreateRecord(ctx, rec("b", "", ""))
	require.NoError(t, err)

	stop()
	_, err = g.CreateRecord(ctx, rec("c", "", ""))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{}, {"a"}, {"b", "a"}}, snapshots)
}

func TestMemory_WatchEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewMemory()

	var calls atomic.Int32
	_, err := g.Watch(ctx, func([]record.Record) { calls.Add(1) })
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.watchers) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = g.CreateRecord(context.Background(), rec("a", "", ""))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoller_EmitsOnlyOnChange(t *testing.T) {
	var listings atomic.Int32
	list := func(context.Context) ([]record.Record, error) {
		switch n := listings.Add(1); {
		case n == 2:
			return nil, errors.New("transient")
		case n < 4:
			return []record.Record{rec("a", "", "")}, nil
		default:
			return []record.Record{rec("b", "", ""), rec("a", "", "")}, nil
		}
	}

	changes := make(chan []string, 10)
	p := NewPoller(list, 2*time.Millisecond, nil)
	stop, err := p.Watch(context.Background(), func(records []record.Record) {
		changes <- record.Keys(records)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return listings.Load() >= 6 }, time.Second, time.Millisecond)
	stop()
	stop()

	close(changes)
	var got [][]string
	for c := range changes {
		got = append(got, c)
	}
	assert.Equal(t, [][]string{{"a"}, {"b", "a"}}, got)
}

func TestRangeQuery_Validate(t *testing.T) {
	assert.NoError(t, RangeQuery{}.Validate())
	assert.NoError(t, RangeQuery{From: "2026-01-01", To: "2026-01-01"}.Validate())
	assert.ErrorIs(t, RangeQuery{To: "2026-13-01"}.Validate(), ErrInvalidRange)
	assert.ErrorIs(t, RangeQuery{From: "2026-02-01", To: "2026-01-01"}.Validate(), ErrInvalidRange)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	got, ok, err := TokenExpiry(signed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(exp))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"a": "rw"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, ok, err = TokenExpiry(noExp)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = TokenExpiry("not-a-token")
	assert.Error(t, err)
}
