package goiptv

import (
	"context"
	"sync"
)

type clientRoutinePoolRunnable interface {
	run(context.Context) error
}

type clientRoutinePoolFunc func(context.Context) error

func (f clientRoutinePoolFunc) run(ctx context.Context) error {
	return f(ctx)
}

// clientRoutinePool runs the routines of a loading generation.
// The first error returned by a routine is published on errorChan().
type clientRoutinePool struct {
	ctx       context.Context
	ctxCancel func()
	wg        sync.WaitGroup

	err chan error
}

func (rp *clientRoutinePool) initialize(parent context.Context) {
	rp.ctx, rp.ctxCancel = context.WithCancel(parent)
	rp.err = make(chan error)
}

// close cancels all routines and waits for them to return.
// It must not be called by a routine of the pool.
func (rp *clientRoutinePool) close() {
	rp.ctxCancel()
	rp.wg.Wait()
}

func (rp *clientRoutinePool) errorChan() chan error {
	if rp == nil {
		return nil
	}
	return rp.err
}

func (rp *clientRoutinePool) add(r clientRoutinePoolRunnable) {
	rp.wg.Add(1)

	go func() {
		defer rp.wg.Done()

		err := r.run(rp.ctx)
		if err != nil {
			select {
			case rp.err <- err:
			case <-rp.ctx.Done():
			}
		}
	}()
}
