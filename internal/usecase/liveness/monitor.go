// Package liveness watches one stream attempt for stalls.
package liveness

import (
	"log/slog"
	"sync"
	"time"

	"rolechat/internal/infra/config"
	"rolechat/internal/infra/metrics"
)

// State is the monitor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateActive
	StateStalled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateStalled:
		return "stalled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Verdict is the result of one periodic check.
type Verdict int

const (
	VerdictHealthy Verdict = iota
	VerdictSlow            // past the soft threshold
	VerdictStalled         // past the hard threshold after frames had arrived
	VerdictNoData          // past the hard threshold with no frame ever received
	VerdictSkipped         // not checking (idle, stalled or stopped)
)

// Report describes a hard-threshold crossing.
type Report struct {
	// NoData is set when no frame arrived before the threshold; otherwise the stream
	// stalled mid-way.
	NoData  bool
	Elapsed time.Duration
	At      time.Time
}

// Monitor tracks time since the last frame of one attempt. Crossing the hard threshold
// marks the attempt suspect but never aborts it.
type Monitor struct {
	cfg     config.LivenessConfig
	logger  *slog.Logger
	onStall func(Report)
	now     func() time.Time

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	lastFrameAt time.Time
	sawFrame    bool
	suspect     *Report
	stop        chan struct{}
	checking    bool
	wg          sync.WaitGroup
}

// New creates an idle Monitor. onStall, if non-nil, is called from the check
// goroutine when the hard threshold is crossed; it must not call Stop.
func New(cfg config.LivenessConfig, logger *slog.Logger, onStall func(Report)) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger, onStall: onStall, now: time.Now}
}

// Start moves Idle to Waiting and begins periodic checks.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return
	}
	m.state = StateWaiting
	m.startedAt = m.now()
	m.startChecksLocked()
}

// Observe records a frame. A stalled monitor becomes active again and resumes checks.
func (m *Monitor) Observe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle, StateStopped:
		return
	}
	m.lastFrameAt = m.now()
	m.sawFrame = true
	m.state = StateActive
	if !m.checking {
		m.startChecksLocked()
	}
}

// Stop cancels checks and waits for the check goroutine. It is idempotent and safe on
// every exit path.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.checking = false
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Suspect returns the hard-threshold report, if the attempt ever crossed it.
func (m *Monitor) Suspect() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspect == nil {
		return Report{}, false
	}
	return *m.suspect, true
}

func (m *Monitor) startChecksLocked() {
	if m.cfg.CheckInterval <= 0 {
		return
	}
	if m.stop != nil {
		close(m.stop)
	}
	stop := make(chan struct{})
	m.stop = stop
	m.checking = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if v := m.check(m.now()); v == VerdictStalled || v == VerdictNoData || v == VerdictSkipped {
					return
				}
			}
		}
	}()
}

// check compares now against the last frame (or the start, before any frame).
func (m *Monitor) check(now time.Time) Verdict {
	m.mu.Lock()
	if m.state != StateWaiting && m.state != StateActive {
		m.mu.Unlock()
		return VerdictSkipped
	}

	ref := m.startedAt
	if m.sawFrame {
		ref = m.lastFrameAt
	}
	elapsed := now.Sub(ref)

	switch {
	case elapsed > m.cfg.HardThreshold:
		r := Report{NoData: !m.sawFrame, Elapsed: elapsed, At: now}
		m.suspect = &r
		m.state = StateStalled
		m.checking = false
		m.mu.Unlock()

		metrics.Stalled("hard")
		if r.NoData {
			m.logger.Warn("stream produced no data", "elapsed", elapsed)
		} else {
			m.logger.Warn("stream stalled", "elapsed", elapsed)
		}
		if m.onStall != nil {
			m.onStall(r)
		}
		if r.NoData {
			return VerdictNoData
		}
		return VerdictStalled

	case elapsed > m.cfg.SoftThreshold:
		waiting := !m.sawFrame
		m.mu.Unlock()
		metrics.Stalled("soft")
		m.logger.Warn("stream slow", "elapsed", elapsed, "waiting", waiting)
		return VerdictSlow

	default:
		m.mu.Unlock()
		return VerdictHealthy
	}
}
