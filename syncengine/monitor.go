package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type ProbeResult struct {
	Online    bool          `json:"online"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Err       error         `json:"-"`
}

// ConnectivityEvent is emitted when the online flag flips.
type ConnectivityEvent struct {
	Online bool
	At     time.Time
}

// Monitor probes /sync/status and tracks the online flag.
type Monitor struct {
	remote  Remote
	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	mu            sync.RWMutex
	probed        bool
	online        bool
	checkedAt     time.Time
	lastContactAt time.Time
	subscribers   []chan ConnectivityEvent
}

func NewMonitor(remote Remote, timeout time.Duration, logger *logrus.Logger) *Monitor {
	return &Monitor{remote: remote, timeout: timeout, logger: logger, now: time.Now}
}

// Probe never fails; any error leaves the monitor offline.
func (m *Monitor) Probe(ctx context.Context) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	_, err := m.remote.Status(probeCtx)
	res := ProbeResult{
		Online:    err == nil,
		Latency:   m.now().Sub(start),
		CheckedAt: m.now().UTC(),
		Err:       err,
	}

	m.mu.Lock()
	changed := !m.probed || m.online != res.Online
	m.probed = true
	m.online = res.Online
	m.checkedAt = res.CheckedAt
	if res.Online {
		m.lastContactAt = res.CheckedAt
	}
	subs := append([]chan ConnectivityEvent(nil), m.subscribers...)
	m.mu.Unlock()

	if changed {
		fields := logrus.Fields{"field": "ConnectivityMonitor", "online": res.Online}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.logger.WithFields(fields).Info("connectivity changed")
		ev := ConnectivityEvent{Online: res.Online, At: res.CheckedAt}
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return res
}

// Subscribe returns a channel of connectivity transitions. Slow readers miss
// events rather than block the probe.
func (m *Monitor) Subscribe(buffer int) <-chan ConnectivityEvent {
	ch := make(chan ConnectivityEvent, buffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) LastContact() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastContactAt
}

func (m *Monitor) CheckedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkedAt
}
