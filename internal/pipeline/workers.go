package pipeline

import (
	"context"
	"errors"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

type job struct {
	owner       string
	id          string
	attempt     int
	bypassCache bool
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipeline already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx = runCtx
	p.cancel = cancel
	p.jobs = make(chan job, p.queueSize)
	p.running = true

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.runWorker(runCtx, p.jobs)
	}
	p.logger.Info("pipeline workers started",
		logging.Int("workers", p.workers),
		logging.Int("queue_size", p.queueSize))
	return nil
}

// Stop cancels in-flight work, waits for workers, and returns queued records
// to uploaded.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	jobs := p.jobs
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	for {
		select {
		case j := <-jobs:
			p.requeue(j, "pipeline stopped")
		default:
			p.logger.Info("pipeline workers stopped")
			return
		}
	}
}

// Wait blocks until every submitted job has finished or been returned to
// uploaded.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Running reports whether the pool accepts work.
func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Pipeline) runWorker(ctx context.Context, jobs <-chan job) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			p.process(ctx, j)
		}
	}
}

// submit hands a job to the pool. A record that cannot be queued is returned
// to uploaded. The read lock is held across the send so Stop cannot drain the
// channel while a send is still pending.
func (p *Pipeline) submit(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.track(j)
	p.pending.Add(1)
	if !p.running {
		p.requeue(j, "pipeline not running")
		return ErrNotRunning
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.runCtx.Done():
		p.requeue(j, "pipeline stopped")
		return ErrNotRunning
	case <-ctx.Done():
		p.requeue(j, "queue request cancelled")
		return ctx.Err()
	}
}

func activeKey(owner, id string) string {
	return owner + "/" + id
}

func (p *Pipeline) track(j job) {
	p.activeMu.Lock()
	p.active[activeKey(j.owner, j.id)] = j.attempt
	p.activeMu.Unlock()
}

// release drops the job from the active set and frees its pending slot. A
// newer attempt for the same record stays tracked.
func (p *Pipeline) release(j job) {
	p.activeMu.Lock()
	key := activeKey(j.owner, j.id)
	if attempt, ok := p.active[key]; ok && attempt == j.attempt {
		delete(p.active, key)
	}
	p.activeMu.Unlock()
	p.pending.Done()
}

func (p *Pipeline) isActive(owner, id string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.active[activeKey(owner, id)]
	return ok
}

// requeue returns a processing record of the same attempt to uploaded and
// releases the job.
func (p *Pipeline) requeue(j job, reason string) {
	defer p.release(j)
	_, err := p.repo.Update(j.owner, j.id, func(rec *cvstore.Record) error {
		if rec.Status != cvstore.StatusProcessing || rec.Attempt != j.attempt {
			return errStale
		}
		rec.ResetToUploaded()
		return nil
	})
	switch {
	case err == nil:
		p.logger.Info("record returned to uploaded",
			logging.String(logging.FieldOwner, j.owner),
			logging.String(logging.FieldRecordID, j.id),
			logging.String("reason", reason))
	case errors.Is(err, errStale), errors.Is(err, services.ErrNotFound):
	default:
		logging.WarnWithContext(p.logger, "failed to return record to uploaded", "cv_requeue_failed",
			logging.String(logging.FieldOwner, j.owner),
			logging.String(logging.FieldRecordID, j.id),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "record is reconciled on next start"),
			logging.String(logging.FieldImpact, "record stays in processing until reconciliation"))
	}
}

var errStale = errors.New("stale processing attempt")
