package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"printer-timelapse-backend/internal/metrics"
	"printer-timelapse-backend/internal/parse"
)

// Terminal print states.
const (
	StateFinish = "FINISH"
	StateFailed = "FAILED"
)

// IsTerminal reports whether no further progress is expected after state.
func IsTerminal(state string) bool {
	return state == StateFinish || state == StateFailed
}

// Subscriber is the part of the broker client the monitor needs once the
// connection is up.
type Subscriber interface {
	Subscribe(topic string, qos byte) error
}

// Downloader runs one retrieval batch. trigger is the terminal state that
// caused it, or "manual".
type Downloader interface {
	Download(ctx context.Context, trigger string) error
}

// Status is a point-in-time view of what the monitor has seen.
type Status struct {
	GcodeState    string    `json:"gcodeState,omitempty"`
	SubtaskName   string    `json:"subtaskName,omitempty"`
	Percent       *int      `json:"percent,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
	Events        int64     `json:"events"`
	LastTrigger   string    `json:"lastTrigger,omitempty"`
	LastTriggerAt time.Time `json:"lastTriggerAt,omitempty"`
}

// Monitor turns a stream of status reports into edge-triggered downloads.
// HandleEvent and HandleManual must not be called concurrently; Queue
// guarantees that. Snapshot is safe from any goroutine.
type Monitor struct {
	topic      string
	qos        byte
	downloader Downloader
	log        *zap.Logger

	mu     sync.RWMutex
	known  bool
	status Status
}

// New creates a monitor that subscribes to topic and hands terminal
// transitions to d.
func New(topic string, qos byte, d Downloader, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{topic: topic, qos: qos, downloader: d, log: log}
}

// Topic is the report topic the monitor subscribes to.
func (m *Monitor) Topic() string {
	return m.topic
}

// OnConnect subscribes to the report topic when code is 0. Any other code
// is logged and ignored; reconnecting is the broker client's job.
func (m *Monitor) OnConnect(sub Subscriber, code byte) {
	if code != 0 {
		m.log.Error("broker connection refused", zap.Uint8("code", code))
		return
	}
	if err := sub.Subscribe(m.topic, m.qos); err != nil {
		m.log.Error("failed to subscribe", zap.String("topic", m.topic), zap.Error(err))
		return
	}
	m.log.Info("subscribed to printer reports", zap.String("topic", m.topic))
}

// HandleEvent processes one raw report payload.
func (m *Monitor) HandleEvent(ctx context.Context, payload []byte) {
	report, err := parse.ParseReport(payload)
	switch {
	case errors.Is(err, parse.ErrNoState):
		metrics.Events.WithLabelValues("no_state").Inc()
		m.log.Info("report without gcode_state ignored", zap.Int("bytes", len(payload)))
		return
	case err != nil:
		metrics.Events.WithLabelValues("malformed").Inc()
		m.log.Warn("failed to decode report", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	metrics.Events.WithLabelValues("decoded").Inc()

	state := report.GcodeState
	m.mu.RLock()
	changed := !m.known || m.status.GcodeState != state
	prev := m.status.GcodeState
	m.mu.RUnlock()

	if changed {
		m.log.Info("print state changed", zap.String("from", prev), zap.String("to", state))
	}
	if changed && IsTerminal(state) {
		m.download(ctx, state)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.known = true
	m.status.GcodeState = state
	m.status.SubtaskName = report.SubtaskName
	if report.Percent != nil {
		m.status.Percent = report.Percent
	}
	m.status.UpdatedAt = now
	m.status.Events++
	m.mu.Unlock()
}

// HandleManual runs a batch without consulting or changing the print state.
func (m *Monitor) HandleManual(ctx context.Context) {
	m.download(ctx, "manual")
}

func (m *Monitor) download(ctx context.Context, trigger string) {
	metrics.DownloadsRequested.WithLabelValues(trigger).Inc()
	m.log.Info("download requested", zap.String("trigger", trigger))

	m.mu.Lock()
	m.status.LastTrigger = trigger
	m.status.LastTriggerAt = time.Now().UTC()
	m.mu.Unlock()

	// A panicking batch counts as a failed one so the caller still records
	// the new state.
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("download batch panicked",
				zap.String("trigger", trigger),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	if err := m.downloader.Download(ctx, trigger); err != nil {
		m.log.Error("download batch failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// Snapshot returns the latest observed status.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	if s.Percent != nil {
		p := *s.Percent
		s.Percent = &p
	}
	return s
}
