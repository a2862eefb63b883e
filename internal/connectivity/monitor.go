// Package connectivity tracks whether the device can reach the trip
// server. The Monitor is the single source of truth for "should this
// write attempt the network now": transitions are edge-triggered and
// broadcast to subscribers, so no caller needs to poll.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// State is the monitor's connectivity state.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Transition is broadcast to subscribers once per actual state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Prober checks server reachability once. Implementations should be
// cheap: the monitor calls them at startup and on the fallback schedule.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber probes a health endpoint. Any HTTP response counts as
// reachable; only transport errors mean offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe issues a HEAD request against the health URL.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// subscriberBuffer sizes each subscriber channel. A subscriber that
// falls this far behind loses the oldest transitions rather than
// blocking the monitor.
const subscriberBuffer = 16

// MonitorOpts holds parameters for creating a Monitor.
type MonitorOpts struct {
	// Prober checks reachability. Required for Start; Report-only
	// monitors (tests, platforms with native signals) may omit it.
	Prober Prober
	// FallbackSchedule is a 5-field cron expression for the low-frequency
	// safety-net probe, used in case a platform signal is missed.
	// Empty disables the fallback.
	FallbackSchedule string
	// Initial forces the starting state. Empty means "probe at Start".
	Initial State
	// Logger defaults to stderr with a [connectivity] prefix.
	Logger *log.Logger
}

// Monitor is the connectivity state machine.
type Monitor struct {
	mu       sync.Mutex
	state    State
	subs     []chan Transition
	prober   Prober
	schedule string
	cron     *cron.Cron
	logger   *log.Logger
}

// NewMonitor creates a Monitor. The state is Offline until Start probes
// or a platform signal is reported, unless opts.Initial says otherwise.
func NewMonitor(opts MonitorOpts) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	state := opts.Initial
	if state == "" {
		state = Offline
	}
	return &Monitor{
		state:    state,
		prober:   opts.Prober,
		schedule: opts.FallbackSchedule,
		logger:   logger,
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the monitor currently considers the server
// reachable.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Subscribe registers a new transition listener. Each actual state
// change is delivered exactly once per subscriber.
func (m *Monitor) Subscribe() <-chan Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Transition, subscriberBuffer)
	m.subs = append(m.subs, ch)
	return ch
}

// Report feeds a platform connectivity signal into the state machine.
// Repeated reports of the same state are ignored (edge-triggered).
func (m *Monitor) Report(online bool) {
	to := Offline
	if online {
		to = Online
	}

	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	subs := make([]chan Transition, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Printf("state changed: %s -> %s", from, to)
	tr := Transition{From: from, To: to, At: time.Now()}
	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
			// Subscriber is saturated; it will resynchronize from State().
		}
	}
}

// Start performs the initial probe and launches the low-frequency
// fallback probe on the configured cron schedule. It returns immediately;
// the fallback stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if m.prober == nil {
		return fmt.Errorf("connectivity: start: prober is required")
	}

	m.Report(m.prober.Probe(ctx))

	if m.schedule == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.schedule, func() {
		m.Report(m.prober.Probe(ctx))
	})
	if err != nil {
		return fmt.Errorf("connectivity: fallback schedule %q: %w", m.schedule, err)
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
