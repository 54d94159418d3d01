package qechocmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go.qecho.dev/qecho/pkg/qecho"
	"go.qecho.dev/qecho/pkg/qechomem"
)

func newTestRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "testrun [messages...]",
		Short: "runs an in-memory echo server and sends it each message on its own stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"hello", "", strings.Repeat("x", 2*qecho.DefaultBufferSize)}
			}
			ctx, cf := context.WithTimeout(ctx, 10*time.Second)
			defer cf()
			l := qechomem.Listen()
			srv := qecho.NewServer(qecho.Params{Listener: l})

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return srv.Serve(ctx)
			})
			eg.Go(func() error {
				defer l.Close()
				w := cmd.OutOrStdout()
				for i, msg := range args {
					reply, err := send(ctx, l, []byte(msg))
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "STREAM %d: sent=%d recv=%d echo=%q\n", i, len(msg), len(reply), abbrev(reply))
				}
				return nil
			})
			return eg.Wait()
		},
	}
}

func abbrev(x []byte) string {
	const limit = 32
	if len(x) > limit {
		return string(x[:limit]) + "..."
	}
	return string(x)
}
