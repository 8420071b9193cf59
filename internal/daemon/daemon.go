// Package daemon wires the scheduling core together: the lane-based command
// queue, the durable cron job store, the per-agent heartbeat runner, and the
// config file watcher that feeds live updates into all three.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jstrand/hermod/internal/config"
	"github.com/jstrand/hermod/internal/logger"
	"github.com/jstrand/hermod/internal/observability"
	"github.com/jstrand/hermod/internal/tracing"
	"github.com/jstrand/hermod/pkg/commandqueue"
	"github.com/jstrand/hermod/pkg/cron"
	"github.com/jstrand/hermod/pkg/heartbeat"
)

// CronLane is the lane cron job executions are funneled through.
const CronLane = "cron"

// JobHandler executes one due cron job. The daemon calls it from inside the
// cron lane, so per-lane concurrency limits apply.
type JobHandler func(ctx context.Context, job *cron.Job) error

// HeartbeatHandler performs one heartbeat turn for an agent. The daemon calls
// it from inside the main lane, serialized with other main-lane work.
type HeartbeatHandler func(ctx context.Context, fire heartbeat.Fire) (heartbeat.Result, error)

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	Logger *logger.Logger

	// Loader, when set, enables hot config reload via a file watcher.
	Loader *config.Loader

	// OnJob handles due cron jobs. Defaults to a logging no-op.
	OnJob JobHandler

	// OnHeartbeat handles heartbeat fires. Defaults to a logging no-op
	// that reports a ran result.
	OnHeartbeat HeartbeatHandler

	// MigratePayload is passed through to the cron store.
	MigratePayload cron.PayloadMigration
}

// Daemon is the long-running scheduling core service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	loader *config.Loader

	queue     *commandqueue.Registry
	cronStore *cron.Store
	runner    *heartbeat.Runner
	watcher   *config.Watcher
	lifecycle *LifecycleManager

	onJob       JobHandler
	onHeartbeat HeartbeatHandler

	// inflight guards against enqueueing a job that is already queued or
	// running in the cron lane.
	inflightMu sync.Mutex
	inflight   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time snapshot of the daemon.
type Status struct {
	Running    bool                      `json:"running"`
	Uptime     time.Duration             `json:"uptime"`
	QueueStats map[string]map[string]int `json:"queue_stats"`
	CronJobs   int                       `json:"cron_jobs"`
}

// New creates a daemon instance. Nothing runs until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(tracing.Config{ServiceName: "hermod-daemon", SampleRatio: 1}); err != nil {
		opts.Logger.GetZerolog().Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:         opts.Config,
		logger:         opts.Logger,
		loader:         opts.Loader,
		onJob:          opts.OnJob,
		onHeartbeat:    opts.OnHeartbeat,
		inflight:       make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}
	if d.onJob == nil {
		d.onJob = d.defaultJobHandler
	}
	if d.onHeartbeat == nil {
		d.onHeartbeat = d.defaultHeartbeatHandler
	}

	d.queue = commandqueue.New()
	for lane, limit := range opts.Config.Queue.Lanes {
		d.queue.SetLaneConcurrency(lane, limit)
	}

	store, err := cron.NewStore(cron.StoreOptions{
		Path:           opts.Config.Cron.StorePath,
		MigratePayload: opts.MigratePayload,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create cron store: %w", err)
	}
	d.cronStore = store

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start arms the heartbeat runner, begins the cron tick loop, and starts the
// config watcher when a loader was supplied.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	runner, err := heartbeat.Start(heartbeatConfigFrom(d.config), d.heartbeatRunOnce)
	if err != nil {
		return fmt.Errorf("failed to start heartbeat runner: %w", err)
	}
	d.runner = runner

	if d.config.Cron.Enabled {
		if err := d.cronStore.EnsureLoaded(); err != nil {
			d.logger.GetZerolog().Error().Err(err).Msg("Failed to load cron job store")
		}
		d.wg.Add(1)
		go d.cronLoop()
	} else {
		d.cronStore.WarnIfDisabled("schedule jobs")
	}

	if d.loader != nil {
		watcher, err := config.NewWatcher(d.loader, 0, d.applyConfig)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.logger.GetZerolog().Info().
		Bool("cronEnabled", d.config.Cron.Enabled).
		Int("lanes", len(d.config.Queue.Lanes)).
		Msg("Daemon started")

	return nil
}

// Stop shuts everything down: watcher first so no reconfig lands mid-stop,
// then the heartbeat runner, then the cron loop, then a bounded drain of
// in-flight queue work.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.GetZerolog().Warn().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.runner != nil {
		d.runner.Stop()
	}

	d.cancel()
	d.wg.Wait()

	if !d.queue.WaitForActiveTasks(30 * time.Second) {
		d.logger.GetZerolog().Warn().Msg("Timed out waiting for active tasks during shutdown")
	}
	if err := d.queue.Close(); err != nil {
		d.logger.GetZerolog().Warn().Err(err).Msg("Failed to close command queue")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.GetZerolog().Warn().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.GetZerolog().Warn().Err(err).Msg("Failed to shut down tracing")
		}
		d.tracingEnabled = false
	}

	d.logger.GetZerolog().Info().Msg("Daemon stopped")
	return nil
}

// Status returns a snapshot of the daemon state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	startTime := d.startTime
	d.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}

	return Status{
		Running:    running,
		Uptime:     uptime,
		QueueStats: d.queue.GetStats(),
		CronJobs:   len(d.cronStore.Jobs()),
	}
}

// Queue exposes the command queue to the embedding process.
func (d *Daemon) Queue() *commandqueue.Registry {
	return d.queue
}

// CronStore exposes the cron job store to the embedding process.
func (d *Daemon) CronStore() *cron.Store {
	return d.cronStore
}

// TriggerHeartbeat fires one agent's heartbeat immediately.
func (d *Daemon) TriggerHeartbeat(agentID string) heartbeat.Result {
	return d.runner.TriggerNow(agentID)
}

// heartbeatRunOnce funnels heartbeat work through the main lane so a
// heartbeat never runs concurrently with other main-lane commands.
func (d *Daemon) heartbeatRunOnce(ctx context.Context, fire heartbeat.Fire) (heartbeat.Result, error) {
	value, err := d.queue.RunInLane(ctx, commandqueue.DefaultLane, func(ctx context.Context) (interface{}, error) {
		return d.onHeartbeat(ctx, fire)
	}, nil)
	if err != nil {
		return heartbeat.Result{}, err
	}
	result, ok := value.(heartbeat.Result)
	if !ok {
		return heartbeat.Result{}, fmt.Errorf("unexpected heartbeat result type %T", value)
	}
	return result, nil
}

func (d *Daemon) defaultHeartbeatHandler(ctx context.Context, fire heartbeat.Fire) (heartbeat.Result, error) {
	logger := tracing.LoggerFromContext(ctx, *d.logger.GetZerolog())
	logger.Debug().
		Str("agentId", fire.AgentID).
		Str("reason", fire.Reason).
		Msg("Heartbeat fired with no handler installed")
	return heartbeat.Result{Status: heartbeat.StatusRan}, nil
}

func (d *Daemon) defaultJobHandler(ctx context.Context, job *cron.Job) error {
	logger := tracing.LoggerFromContext(ctx, *d.logger.GetZerolog())
	logger.Debug().
		Str("jobId", job.ID).
		Str("name", job.Name).
		Msg("Cron job due with no handler installed")
	return nil
}

// applyConfig pushes a freshly reloaded config into the running components.
// The cron store path cannot change without a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	previous := d.config
	d.config = cfg
	d.mu.Unlock()

	if d.runner != nil {
		d.runner.UpdateConfig(heartbeatConfigFrom(cfg))
	}

	for lane, limit := range cfg.Queue.Lanes {
		d.queue.SetLaneConcurrency(lane, limit)
	}

	if cfg.Cron.StorePath != previous.Cron.StorePath {
		d.logger.GetZerolog().Warn().
			Str("old", previous.Cron.StorePath).
			Str("new", cfg.Cron.StorePath).
			Msg("Cron store path changed; restart required to take effect")
	}
}

// heartbeatConfigFrom maps the daemon config onto the heartbeat runner's.
func heartbeatConfigFrom(cfg *config.Config) heartbeat.Config {
	agents := make([]heartbeat.Agent, 0, len(cfg.Heartbeat.Agents))
	for _, override := range cfg.Heartbeat.Agents {
		agents = append(agents, heartbeat.Agent{
			AgentID: override.AgentID,
			Every:   override.Every.ToDuration(),
		})
	}
	return heartbeat.Config{
		Every:  cfg.Heartbeat.Every.ToDuration(),
		Agents: agents,
	}
}
