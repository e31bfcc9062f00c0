package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_OnlyRealTransitionsNotify(t *testing.T) {
	m := NewMonitor(Offline, nil)

	var got []Transition
	m.Subscribe(func(tr Transition) { got = append(got, tr) })

	assert.False(t, m.Set(false), "offline while offline")
	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true), "online while online")
	assert.True(t, m.Set(false))

	require.Len(t, got, 2)
	assert.Equal(t, Offline, got[0].From)
	assert.Equal(t, Online, got[0].To)
	assert.Equal(t, Online, got[1].From)
	assert.Equal(t, Offline, got[1].To)
	assert.False(t, m.Online())
}

func TestMonitor_ListenersRunInSubscriptionOrder(t *testing.T) {
	m := NewMonitor(Offline, nil)

	var order []string
	m.Subscribe(func(Transition) { order = append(order, "first") })
	unsubscribe := m.Subscribe(func(Transition) { order = append(order, "second") })
	m.Subscribe(func(Transition) { order = append(order, "third") })

	m.Set(true)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	unsubscribe()
	unsubscribe()
	order = nil
	m.Set(false)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestMonitor_ListenerMayReadState(t *testing.T) {
	m := NewMonitor(Offline, nil)

	var seen State
	m.Subscribe(func(Transition) { seen = m.State() })
	m.Set(true)

	assert.Equal(t, Online, seen)
}

func TestMonitor_ConcurrentSignals(t *testing.T) {
	m := NewMonitor(Offline, nil)

	var mu sync.Mutex
	var transitions []Transition
	m.Subscribe(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i%2 == 0)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// Every delivered transition continues from the previous one.
	prev := Offline
	for _, tr := range transitions {
		assert.Equal(t, prev, tr.From)
		assert.NotEqual(t, tr.From, tr.To)
		prev = tr.To
	}
	assert.Equal(t, prev, m.State())
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" Online ")
	require.NoError(t, err)
	assert.Equal(t, Online, s)

	s, err = ParseState("offline")
	require.NoError(t, err)
	assert.Equal(t, Offline, s)

	_, err = ParseState("probe")
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Online, Probe(ctx, func(context.Context) error { return nil }, time.Second))
	assert.Equal(t, Offline, Probe(ctx, func(context.Context) error { return errors.New("down") }, time.Second))
	assert.Equal(t, Offline, Probe(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond))
}
