package netutil

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServiceGroupRestarts(t *testing.T) {
	sg := ServiceGroup{RestartDelay: time.Millisecond}
	var runs atomic.Int32
	restarted := make(chan struct{})
	sg.Go("flaky", func(ctx context.Context) error {
		if runs.Add(1) == 3 {
			close(restarted)
		}
		if runs.Load() >= 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("crashed")
	})
	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("service was not restarted")
	}
	require.NoError(t, sg.Stop())
	require.EqualValues(t, 3, runs.Load())
}

func TestServiceGroupStopWithoutServices(t *testing.T) {
	var sg ServiceGroup
	require.NoError(t, sg.Stop())
}
