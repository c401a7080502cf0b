package pipeline

import (
	"context"
	"errors"

	"goa.design/clue/log"
)

// Shutdown drains the pipeline in order: stop intake, destroy the consumer
// (flushing its batch), flush and close the direct writer, then close the
// producer. Each step is bounded by the configured step timeout so a dead
// broker cannot hang process termination. Closing the store connection is
// the owner's responsibility and happens after Shutdown returns.
//
// Shutdown is idempotent; later calls return nil immediately.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info(ctx, log.KV{K: "msg", V: "pipeline shutting down"})
	if p.stopWatchdog != nil {
		p.stopWatchdog()
		<-p.watchdogDone
	}

	var errs []error

	p.destroyConsumer(ctx)

	if err := p.step(ctx, p.writer.Close); err != nil {
		errs = append(errs, err)
		log.Errorf(ctx, err, "direct writer close failed")
	}

	if p.producer != nil {
		if err := p.step(ctx, p.producer.Close); err != nil {
			errs = append(errs, err)
			log.Errorf(ctx, err, "bus producer close failed")
		}
	}

	if d := p.drops.Load(); d > 0 {
		log.Warn(ctx,
			log.KV{K: "msg", V: "events were shed by backpressure during this process lifetime"},
			log.KV{K: "dropped", V: d},
		)
	}
	return errors.Join(errs...)
}

// step runs fn under the per-step timeout derived from ctx.
func (p *Pipeline) step(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.stepTimeout)
	defer cancel()
	return fn(sctx)
}
