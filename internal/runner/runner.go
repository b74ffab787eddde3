package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"botline/internal/engine"
)

// Runner drives the background loops: the dispatcher tick that fans due tasks
// out to bots, and the sweeper that times out stuck executions.
type Runner struct {
	Engine        engine.Engine
	Log           *zap.Logger
	DispatchEvery time.Duration
	SweepEvery    time.Duration
}

func New(e engine.Engine, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	dispatchEvery := 30 * time.Second
	sweepEvery := time.Minute
	if e.Config != nil {
		dispatchEvery = time.Duration(e.Config.Dispatch.TickSeconds) * time.Second
		sweepEvery = time.Duration(e.Config.Sweep.IntervalSeconds) * time.Second
	}
	return &Runner{
		Engine:        e,
		Log:           log,
		DispatchEvery: dispatchEvery,
		SweepEvery:    sweepEvery,
	}
}

// Run blocks until ctx is canceled, then waits for in-flight work.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.loop(ctx, "dispatch", r.DispatchEvery, r.dispatchOnce)
	}()
	go func() {
		defer wg.Done()
		r.loop(ctx, "sweep", r.SweepEvery, r.sweepOnce)
	}()
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	r.Log.Info("loop started", zap.String("loop", name), zap.Duration("interval", every))
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (r *Runner) dispatchOnce(ctx context.Context) {
	created, err := r.Engine.DispatchTick(ctx)
	if err != nil {
		r.Log.Error("dispatch tick failed", zap.Error(err))
		return
	}
	if len(created) > 0 {
		r.Log.Info("dispatched executions", zap.Int("count", len(created)))
	}
}

func (r *Runner) sweepOnce(ctx context.Context) {
	swept, err := r.Engine.SweepTimeouts(ctx)
	if err != nil {
		r.Log.Error("timeout sweep failed", zap.Error(err))
		return
	}
	if len(swept) > 0 {
		r.Log.Info("timed out executions", zap.Int("count", len(swept)))
	}
}
