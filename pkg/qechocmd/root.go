package qechocmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

var ctx = func() context.Context {
	ctx := context.Background()
	l, _ := zap.NewProduction()
	ctx = logctx.NewContext(ctx, l)
	return ctx
}()

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "qecho",
		Short: "qecho: echoes the first chunk of every QUIC or WebTransport stream",
	}
	c.AddCommand(newDaemonCmd())
	c.AddCommand(newServeCmd())
	c.AddCommand(newCreateConfigCmd())
	c.AddCommand(newKeygenCmd())
	c.AddCommand(newSendCmd())
	c.AddCommand(newStatusCmd())
	c.AddCommand(newTestRunCmd())
	return c
}
