package daemon

import (
	"context"
	"time"

	"github.com/jstrand/hermod/internal/observability"
	"github.com/jstrand/hermod/internal/tracing"
	"github.com/jstrand/hermod/pkg/cron"
)

// cronTickEvery bounds how late a due job can start.
const cronTickEvery = 30 * time.Second

// cronLoop polls the job store and enqueues due jobs into the cron lane.
// Runs until the daemon context is cancelled.
func (d *Daemon) cronLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(cronTickEvery)
	defer ticker.Stop()

	// Catch anything already due at startup.
	d.dispatchDueJobs()

	for {
		select {
		case <-ticker.C:
			d.dispatchDueJobs()
		case <-d.ctx.Done():
			return
		}
	}
}

// dispatchDueJobs reloads the store if the file changed, then enqueues every
// due job that is not already in flight.
func (d *Daemon) dispatchDueJobs() {
	if err := d.cronStore.EnsureLoaded(); err != nil {
		d.logger.GetZerolog().Error().Err(err).Msg("Failed to reload cron job store")
		return
	}

	for _, job := range d.cronStore.DueJobs(time.Now()) {
		d.dispatchJob(job)
	}
}

// dispatchJob enqueues one job run into the cron lane. The job advances to
// its next run time whether or not the handler succeeded, so a failing job
// cannot fire in a tight loop.
func (d *Daemon) dispatchJob(job *cron.Job) {
	d.inflightMu.Lock()
	if d.inflight[job.ID] {
		d.inflightMu.Unlock()
		return
	}
	d.inflight[job.ID] = true
	d.inflightMu.Unlock()

	ctx := tracing.WithJobID(d.ctx, job.ID)

	d.queue.EnqueueInLane(ctx, CronLane, func(ctx context.Context) (interface{}, error) {
		defer func() {
			d.inflightMu.Lock()
			delete(d.inflight, job.ID)
			d.inflightMu.Unlock()
		}()

		logger := tracing.LoggerFromContext(ctx, *d.logger.GetZerolog())

		start := time.Now()
		if err := d.onJob(ctx, job); err != nil {
			observability.RecordCronRun("error", time.Since(start))
			logger.Error().Err(err).Str("name", job.Name).Msg("Cron job failed")
		} else {
			observability.RecordCronRun("success", time.Since(start))
			logger.Debug().Str("name", job.Name).Msg("Cron job ran")
		}

		if err := d.cronStore.MarkRan(job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to record cron job run")
		}
		return nil, nil
	}, nil)
}
