// Package heartbeat arms one recurring timer per agent and invokes a
// caller-supplied callback on each fire. Intervals can be rescheduled live
// via UpdateConfig, and a failing callback never stops future fires.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jstrand/hermod/internal/observability"
	"github.com/jstrand/hermod/internal/tracing"
)

// Fire statuses reported by the callback.
const (
	StatusRan     = "ran"
	StatusSkipped = "skipped"
)

// Fire reasons.
const (
	ReasonInterval = "interval"
	ReasonManual   = "manual"
)

// DefaultEvery applies when the config carries no global interval.
const DefaultEvery = 30 * time.Minute

// Agent names a managed agent. Every overrides the global interval when
// positive.
type Agent struct {
	AgentID string
	Every   time.Duration
}

// Config drives a runner: a global default interval plus per-agent entries.
type Config struct {
	Every  time.Duration
	Agents []Agent
}

// Fire is the context handed to the callback on each fire.
type Fire struct {
	AgentID string
	Reason  string
	Every   time.Duration // effective interval in force for this agent
}

// Result is the callback's report of what happened.
type Result struct {
	Status     string
	DurationMs int64
	Reason     string // for "skipped"
}

// RunOnce is the heartbeat callback. It may return an error or panic; the
// runner logs and absorbs both.
type RunOnce func(ctx context.Context, fire Fire) (Result, error)

// The timer registry is shared across runner instances so a stale instance
// can never cancel a newer one's timers: every entry is tagged with the
// owning instance's token and start sequence, and cancellation checks the
// tag before touching the entry.
type ownedTimer struct {
	owner string
	seq   uint64
	timer *time.Timer
}

var (
	sharedMu     sync.Mutex
	sharedTimers = make(map[string]ownedTimer)
	startSeq     atomic.Uint64
)

// Runner manages the heartbeat timers armed by one Start call.
type Runner struct {
	id      string
	seq     uint64
	runOnce RunOnce

	mu        sync.Mutex
	intervals map[string]time.Duration
	stopped   bool
}

// Start resolves an effective interval per agent and arms one timer each.
// The returned runner exposes UpdateConfig, TriggerNow and Stop.
func Start(cfg Config, runOnce RunOnce) (*Runner, error) {
	if runOnce == nil {
		return nil, fmt.Errorf("run once callback is required")
	}

	r := &Runner{
		id:        uuid.New().String(),
		seq:       startSeq.Add(1),
		runOnce:   runOnce,
		intervals: resolveIntervals(cfg),
	}

	for agentID, every := range r.intervals {
		r.arm(agentID, every)
	}

	log.Info().
		Int("agents", len(r.intervals)).
		Str("instance", r.id).
		Msg("Heartbeat runner started")

	return r, nil
}

// resolveIntervals merges the global default with per-agent overrides
func resolveIntervals(cfg Config) map[string]time.Duration {
	base := cfg.Every
	if base <= 0 {
		base = DefaultEvery
	}

	intervals := make(map[string]time.Duration, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		if agent.AgentID == "" {
			continue
		}
		every := agent.Every
		if every <= 0 {
			every = base
		}
		intervals[agent.AgentID] = every
	}
	return intervals
}

// arm schedules the next fire for an agent. An entry armed by a newer
// instance is left untouched.
func (r *Runner) arm(agentID string, every time.Duration) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if existing, ok := sharedTimers[agentID]; ok {
		if existing.seq > r.seq {
			log.Debug().
				Str("agentId", agentID).
				Msg("Timer owned by a newer runner instance, not rearming")
			return
		}
		existing.timer.Stop()
	}

	timer := time.AfterFunc(every, func() {
		r.fire(agentID)
	})
	sharedTimers[agentID] = ownedTimer{owner: r.id, seq: r.seq, timer: timer}
}

// fire runs the callback for one agent and rearms its timer
func (r *Runner) fire(agentID string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	every := r.intervals[agentID]
	r.mu.Unlock()

	r.invoke(agentID, ReasonInterval, every)

	// Rearm with whatever interval is in force now; UpdateConfig may have
	// changed it while the callback was in flight.
	r.mu.Lock()
	stopped := r.stopped
	every, known := r.intervals[agentID]
	r.mu.Unlock()

	if !stopped && known {
		r.arm(agentID, every)
	}
}

// invoke runs the callback, absorbing errors and panics
func (r *Runner) invoke(agentID, reason string, every time.Duration) Result {
	ctx := tracing.WithAgentID(context.Background(), agentID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	result, err := runOnceSafe(ctx, r.runOnce, Fire{
		AgentID: agentID,
		Reason:  reason,
		Every:   every,
	})
	duration := time.Since(start)

	switch {
	case err != nil:
		logger.Error().
			Err(err).
			Dur("duration", duration).
			Msg("Heartbeat failed")
		observability.RecordHeartbeatFire("error", duration)
		return Result{Status: StatusSkipped, Reason: err.Error()}
	case result.Status == StatusSkipped:
		logger.Debug().
			Str("reason", result.Reason).
			Msg("Heartbeat skipped")
		observability.RecordHeartbeatFire(StatusSkipped, duration)
		return result
	default:
		logger.Debug().
			Int64("durationMs", result.DurationMs).
			Msg("Heartbeat ran")
		observability.RecordHeartbeatFire(StatusRan, duration)
		return result
	}
}

func runOnceSafe(ctx context.Context, runOnce RunOnce, fire Fire) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("heartbeat callback panicked: %v", rec)
		}
	}()
	return runOnce(ctx, fire)
}

// UpdateConfig re-resolves effective intervals. Agents whose interval is
// unchanged keep their timer; changed or added agents fire next at
// now + new interval; removed agents are disarmed.
func (r *Runner) UpdateConfig(cfg Config) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	old := r.intervals
	next := resolveIntervals(cfg)
	r.intervals = next
	r.mu.Unlock()

	for agentID, every := range next {
		previous, existed := old[agentID]
		if existed && previous == every {
			continue
		}
		log.Info().
			Str("agentId", agentID).
			Dur("every", every).
			Msg("Heartbeat rescheduled")
		r.arm(agentID, every)
	}

	for agentID := range old {
		if _, still := next[agentID]; !still {
			r.disarm(agentID)
		}
	}
}

// disarm cancels an agent's timer if this instance owns it
func (r *Runner) disarm(agentID string) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	entry, ok := sharedTimers[agentID]
	if !ok || entry.owner != r.id {
		return
	}
	entry.timer.Stop()
	delete(sharedTimers, agentID)
}

// TriggerNow fires one agent's heartbeat immediately. After Stop it reports
// a skipped result instead of executing.
func (r *Runner) TriggerNow(agentID string) Result {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Result{Status: StatusSkipped, Reason: "runner stopped"}
	}
	every, known := r.intervals[agentID]
	r.mu.Unlock()

	if !known {
		return Result{Status: StatusSkipped, Reason: "unknown agent"}
	}

	return r.invoke(agentID, ReasonManual, every)
}

// Stop cancels only this instance's timers. Repeated calls are no-ops, and
// timers owned by a different, newer instance are never touched.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	sharedMu.Lock()
	for agentID, entry := range sharedTimers {
		if entry.owner != r.id {
			continue
		}
		entry.timer.Stop()
		delete(sharedTimers, agentID)
	}
	sharedMu.Unlock()

	log.Info().Str("instance", r.id).Msg("Heartbeat runner stopped")
}
