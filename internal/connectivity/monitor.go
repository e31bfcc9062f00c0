// Package connectivity tracks whether the remote store is believed reachable.
//
// The Monitor owns the single process-wide connectivity state. It never polls:
// environment signal sources (the MQTT session, host network hooks posting to
// the API) report readings through Set, and subscribers are told about real
// transitions only.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State is the connectivity reading.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ParseState parses "online" or "offline".
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	default:
		return Offline, fmt.Errorf("unknown connectivity state %q", s)
	}
}

// Transition is a change of state.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type listener struct {
	id int
	fn func(Transition)
}

// Monitor holds the connectivity state machine.
type Monitor struct {
	mu        sync.Mutex
	state     State
	since     time.Time
	nextID    int
	listeners []listener

	// notifyMu keeps deliveries in transition order.
	notifyMu sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

// NewMonitor creates a monitor with the initial reading.
func NewMonitor(initial State, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		state:  initial,
		since:  time.Now(),
		now:    time.Now,
		logger: logger.With("component", "connectivity"),
	}
}

// Set records a reading from a signal source and reports whether it changed
// the state. Listeners run on the caller's goroutine, outside the state lock,
// and must not call Set themselves.
func (m *Monitor) Set(online bool) bool {
	to := Offline
	if online {
		to = Online
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state == to {
		m.mu.Unlock()
		return false
	}
	tr := Transition{From: m.state, To: to, At: m.now()}
	m.state = to
	m.since = tr.At
	listeners := make([]listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "from", tr.From, "to", tr.To)
	for _, l := range listeners {
		l.fn(tr)
	}
	return true
}

// State returns the current reading.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the current reading is Online.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Since returns when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Subscribe registers fn for transitions, called in subscription order.
func (m *Monitor) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Probe takes one reachability reading for startup.
func Probe(ctx context.Context, ping func(context.Context) error, timeout time.Duration) State {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return Offline
	}
	return Online
}
