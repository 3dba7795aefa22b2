package pipeline

import (
	"context"
	"errors"
	"time"
)

// Start runs the flush loop in a background goroutine and sweeps the failed
// queue once. The loop flushes on either:
//   - the batch size being reached (count-based trigger)
//   - no Track for the flush interval (idle trigger)
//
// The loop exits when Stop is called or ctx is canceled.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started {
		return ErrStarted
	}
	p.started = true

	if n, err := p.failed.Len(ctx); err == nil && n > 0 {
		p.metrics.FailedQueueDepth.Add(ctx, int64(n))
	}

	go p.run(ctx)
	p.sweepInBackground(ctx)
	return nil
}

// Stop stops the flush loop, drops a queued sweep rerun, waits for a running
// sweep and makes a final flush attempt with ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.startMu.Lock()
	if p.started {
		close(p.stopCh)
		<-p.doneCh
		p.started = false
		p.stopCh = make(chan struct{})
		p.doneCh = make(chan struct{})
	}
	p.startMu.Unlock()

	p.cancelQueuedSweeps()
	p.sweeps.Wait()
	return p.Flush(ctx)
}

func (p *Pipeline) run(ctx context.Context) {
	stopCh, doneCh := p.stopCh, p.doneCh
	defer close(doneCh)

	idle := time.NewTimer(p.interval)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-p.kickCh:
			idle.Reset(p.interval)

		case <-idle.C:
			p.flushInLoop(ctx, "idle")

		case <-p.flushCh:
			idle.Stop()
			p.flushInLoop(ctx, "batch_size")

		case <-stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) flushInLoop(ctx context.Context, trigger string) {
	if err := p.Flush(ctx); err != nil {
		if errors.Is(err, ErrOffline) {
			p.logger.Debug("flush deferred while offline", "trigger", trigger)
			return
		}
		p.logger.Warn("flush failed", "trigger", trigger, "error", err)
		p.report(err)
	}
}
