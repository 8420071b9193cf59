package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fireCollector counts fires per agent and records their metadata.
type fireCollector struct {
	mu    sync.Mutex
	fires []Fire
}

func (c *fireCollector) record(fire Fire) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fires = append(c.fires, fire)
}

func (c *fireCollector) count(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.fires {
		if f.AgentID == agentID {
			n++
		}
	}
	return n
}

func (c *fireCollector) waitFor(t *testing.T, agentID string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.count(agentID) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s fired %d times, wanted at least %d", agentID, c.count(agentID), want)
}

func ranCallback(collector *fireCollector) RunOnce {
	return func(ctx context.Context, fire Fire) (Result, error) {
		collector.record(fire)
		return Result{Status: StatusRan, DurationMs: 1}, nil
	}
}

func TestStartRequiresCallback(t *testing.T) {
	_, err := Start(Config{}, nil)
	assert.Error(t, err)
}

func TestFiresOnInterval(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every:  20 * time.Millisecond,
		Agents: []Agent{{AgentID: "interval-a"}},
	}, ranCallback(collector))
	require.NoError(t, err)
	defer runner.Stop()

	collector.waitFor(t, "interval-a", 2, 2*time.Second)

	collector.mu.Lock()
	first := collector.fires[0]
	collector.mu.Unlock()
	assert.Equal(t, ReasonInterval, first.Reason)
	assert.Equal(t, 20*time.Millisecond, first.Every)
}

func TestPerAgentOverrideBeatsDefault(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every: time.Hour,
		Agents: []Agent{
			{AgentID: "override-fast", Every: 20 * time.Millisecond},
			{AgentID: "override-slow"},
		},
	}, ranCallback(collector))
	require.NoError(t, err)
	defer runner.Stop()

	collector.waitFor(t, "override-fast", 1, 2*time.Second)
	assert.Equal(t, 0, collector.count("override-slow"))
}

func TestCallbackErrorDoesNotStopFutureFires(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every:  20 * time.Millisecond,
		Agents: []Agent{{AgentID: "erroring"}},
	}, func(ctx context.Context, fire Fire) (Result, error) {
		collector.record(fire)
		return Result{}, errors.New("agent unavailable")
	})
	require.NoError(t, err)
	defer runner.Stop()

	collector.waitFor(t, "erroring", 3, 2*time.Second)
}

func TestCallbackPanicDoesNotStopFutureFires(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every:  20 * time.Millisecond,
		Agents: []Agent{{AgentID: "panicking"}},
	}, func(ctx context.Context, fire Fire) (Result, error) {
		collector.record(fire)
		panic("boom")
	})
	require.NoError(t, err)
	defer runner.Stop()

	collector.waitFor(t, "panicking", 3, 2*time.Second)
}

func TestSkippedResultStillRearms(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every:  20 * time.Millisecond,
		Agents: []Agent{{AgentID: "skipping"}},
	}, func(ctx context.Context, fire Fire) (Result, error) {
		collector.record(fire)
		return Result{Status: StatusSkipped, Reason: "agent busy"}, nil
	})
	require.NoError(t, err)
	defer runner.Stop()

	collector.waitFor(t, "skipping", 3, 2*time.Second)
}

func TestUpdateConfigReschedulesOnlyChangedAgents(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every: time.Hour,
		Agents: []Agent{
			{AgentID: "update-kept"},
			{AgentID: "update-changed"},
			{AgentID: "update-removed"},
		},
	}, ranCallback(collector))
	require.NoError(t, err)
	defer runner.Stop()

	sharedMu.Lock()
	keptBefore := sharedTimers["update-kept"].timer
	removedBefore := sharedTimers["update-removed"].timer
	sharedMu.Unlock()
	require.NotNil(t, keptBefore)
	require.NotNil(t, removedBefore)

	runner.UpdateConfig(Config{
		Every: time.Hour,
		Agents: []Agent{
			{AgentID: "update-kept"},
			{AgentID: "update-changed", Every: 20 * time.Millisecond},
			{AgentID: "update-added", Every: 20 * time.Millisecond},
		},
	})

	sharedMu.Lock()
	keptAfter := sharedTimers["update-kept"].timer
	_, removedStill := sharedTimers["update-removed"]
	_, addedArmed := sharedTimers["update-added"]
	sharedMu.Unlock()

	// Unchanged agents keep their original timer, removed agents are
	// disarmed, added agents get one.
	assert.Same(t, keptBefore, keptAfter)
	assert.False(t, removedStill)
	assert.True(t, addedArmed)

	collector.waitFor(t, "update-changed", 1, 2*time.Second)
	collector.waitFor(t, "update-added", 1, 2*time.Second)
	assert.Equal(t, 0, collector.count("update-removed"))
}

func TestUpdateConfigAfterStopIsNoop(t *testing.T) {
	runner, err := Start(Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "post-stop-update"}},
	}, ranCallback(&fireCollector{}))
	require.NoError(t, err)

	runner.Stop()
	runner.UpdateConfig(Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "post-stop-update"}},
	})

	sharedMu.Lock()
	_, armed := sharedTimers["post-stop-update"]
	sharedMu.Unlock()
	assert.False(t, armed)
}

func TestStopIsIdempotent(t *testing.T) {
	runner, err := Start(Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "stop-twice"}},
	}, ranCallback(&fireCollector{}))
	require.NoError(t, err)

	runner.Stop()
	assert.NotPanics(t, func() { runner.Stop() })
}

func TestStaleInstanceCannotCancelNewerTimers(t *testing.T) {
	cfg := Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "stale-protect"}},
	}

	old, err := Start(cfg, ranCallback(&fireCollector{}))
	require.NoError(t, err)

	// A newer instance takes over the agent's timer.
	fresh, err := Start(cfg, ranCallback(&fireCollector{}))
	require.NoError(t, err)
	defer fresh.Stop()

	old.Stop()

	sharedMu.Lock()
	entry, armed := sharedTimers["stale-protect"]
	sharedMu.Unlock()
	require.True(t, armed, "newer instance's timer must survive the stale Stop")
	assert.Equal(t, fresh.id, entry.owner)
}

func TestStaleInstanceCannotRearmOverNewer(t *testing.T) {
	cfg := Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "stale-rearm"}},
	}

	old, err := Start(cfg, ranCallback(&fireCollector{}))
	require.NoError(t, err)
	defer old.Stop()

	fresh, err := Start(cfg, ranCallback(&fireCollector{}))
	require.NoError(t, err)
	defer fresh.Stop()

	sharedMu.Lock()
	freshTimer := sharedTimers["stale-rearm"].timer
	sharedMu.Unlock()

	old.arm("stale-rearm", time.Hour)

	sharedMu.Lock()
	entry := sharedTimers["stale-rearm"]
	sharedMu.Unlock()
	assert.Same(t, freshTimer, entry.timer)
	assert.Equal(t, fresh.id, entry.owner)
}

func TestTriggerNow(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "manual"}},
	}, ranCallback(collector))
	require.NoError(t, err)
	defer runner.Stop()

	result := runner.TriggerNow("manual")
	assert.Equal(t, StatusRan, result.Status)
	require.Equal(t, 1, collector.count("manual"))

	collector.mu.Lock()
	fire := collector.fires[0]
	collector.mu.Unlock()
	assert.Equal(t, ReasonManual, fire.Reason)
	assert.Equal(t, time.Hour, fire.Every)
}

func TestTriggerNowUnknownAgent(t *testing.T) {
	runner, err := Start(Config{Every: time.Hour}, ranCallback(&fireCollector{}))
	require.NoError(t, err)
	defer runner.Stop()

	result := runner.TriggerNow("never-configured")
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "unknown agent", result.Reason)
}

func TestTriggerNowAfterStopReturnsSkipped(t *testing.T) {
	collector := &fireCollector{}
	runner, err := Start(Config{
		Every:  time.Hour,
		Agents: []Agent{{AgentID: "post-stop"}},
	}, ranCallback(collector))
	require.NoError(t, err)

	runner.Stop()

	result := runner.TriggerNow("post-stop")
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "runner stopped", result.Reason)
	assert.Equal(t, 0, collector.count("post-stop"))
}
