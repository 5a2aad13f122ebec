package supervisor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// taskGroup holds the background goroutines of one run: its tailer, the
// step monitors and the stop escalation timer. Stop cancels all of them.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

func newTaskGroup(parent context.Context) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &taskGroup{ctx: gctx, cancel: cancel, g: g}
}

func (t *taskGroup) Go(f func(ctx context.Context) error) {
	t.g.Go(func() (rerr error) {
		// Panic safety -> convert to error so the group cancels cleanly
		defer func() {
			if rec := recover(); rec != nil {
				rerr = fmt.Errorf("panic in background task: %v", rec)
			}
		}()
		return f(t.ctx)
	})
}

func (t *taskGroup) Stop() { t.cancel() }

func (t *taskGroup) Wait() error {
	err := t.g.Wait()
	t.cancel()
	return err
}
