package qecho

import (
	"context"
	"errors"
	"io"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

// DefaultBufferSize is the largest chunk EchoOnce will read and echo.
const DefaultBufferSize = 1024

type EchoConfig struct {
	// BufferSize is the capacity of the single read. Defaults to DefaultBufferSize.
	BufferSize int
	// ReadTimeout and WriteTimeout bound each I/O call. Zero means no timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c EchoConfig) bufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

// EchoOnce reads from str once, and writes back exactly the bytes which were read.
// It never reads a second time; anything the peer sends after the first chunk is discarded.
// str is closed before EchoOnce returns.
//
// If the peer finished its send direction without sending anything, ErrStreamClosed is returned
// and nothing is written.
// Read and write failures are returned as *OpError.
func EchoOnce(ctx context.Context, str Stream, cfg EchoConfig) (int, error) {
	defer str.Close()
	stop := context.AfterFunc(ctx, func() { str.Reset() })
	defer stop()
	sid := zap.Int64("stream", str.ID())

	buf := make([]byte, cfg.bufferSize())
	if cfg.ReadTimeout > 0 {
		if err := str.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
			return 0, &OpError{Op: "read", StreamID: str.ID(), Err: err}
		}
	}
	n, err := str.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			logctx.Info(ctx, "stream closed by peer", sid)
			return 0, ErrStreamClosed
		}
		logctx.Warn(ctx, "error reading from stream", sid, zap.Error(err))
		return 0, &OpError{Op: "read", StreamID: str.ID(), Err: err}
	}
	data := buf[:n]
	logctx.Info(ctx, "received", sid, zap.Int("len", n), zap.ByteString("data", data))

	if cfg.WriteTimeout > 0 {
		if err := str.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
			return 0, &OpError{Op: "write", StreamID: str.ID(), Err: err}
		}
	}
	w, err := str.Write(data)
	if err == nil && w < n {
		err = ErrShortWrite{Wrote: w, Want: n}
	}
	if err != nil {
		logctx.Warn(ctx, "error writing to stream", sid, zap.Error(err))
		return w, &OpError{Op: "write", StreamID: str.ID(), Err: err}
	}
	logctx.Info(ctx, "echoed", sid, zap.Int("len", n))
	return n, nil
}

// ResultOf classifies the error returned by EchoOnce.
func ResultOf(err error) EchoResult {
	var opErr *OpError
	switch {
	case err == nil:
		return ResultEchoed
	case errors.Is(err, ErrStreamClosed):
		return ResultPeerClosed
	case errors.As(err, &opErr) && opErr.Op == "write":
		return ResultWriteError
	default:
		return ResultReadError
	}
}
