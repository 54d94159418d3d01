package netutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRestartDelay = time.Second

// ServiceGroup runs auxiliary services which should be restarted, not propagated, when they fail.
type ServiceGroup struct {
	Background   context.Context
	RestartDelay time.Duration

	setupOnce sync.Once
	ctx       context.Context
	cf        context.CancelFunc

	eg errgroup.Group
}

func (sg *ServiceGroup) setup() {
	sg.setupOnce.Do(func() {
		bgCtx := sg.Background
		if bgCtx == nil {
			bgCtx = context.Background()
		}
		sg.ctx, sg.cf = context.WithCancel(bgCtx)
	})
}

// Go runs fn in another go routine.
// When the ServiceGroup is stopped the context passed to fn will be cancelled.
// If fn ever returns an error other than ctx.Err(), it will be logged.
// The service will be restarted, unless the group has been stopped.
func (sg *ServiceGroup) Go(name string, fn func(context.Context) error) {
	sg.setup()
	delay := sg.RestartDelay
	if delay <= 0 {
		delay = defaultRestartDelay
	}
	sg.eg.Go(func() error {
		ctx := sg.ctx
		for {
			err := fn(ctx)
			if isContextDone(ctx) {
				if err != nil && !errors.Is(err, ctx.Err()) {
					logctx.Errorf(ctx, "while stopping service %s: %v", name, err)
				}
				return nil
			}
			logctx.Warn(ctx, "service crashed, restarting", zap.String("service", name), zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	})
}

// Stop cancels every service and waits for them to return.
func (sg *ServiceGroup) Stop() error {
	sg.setup()
	sg.cf()
	return sg.eg.Wait()
}

func isContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
