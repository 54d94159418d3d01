package qechocmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"go.qecho.dev/qecho/pkg/qechod"
)

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "prints the status of a running daemon",
	}
	adminAddr := c.Flags().String("admin", qechod.DefaultAdminAddr, "address of the daemon's admin API")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, cf := context.WithTimeout(ctx, 10*time.Second)
		defer cf()
		res, err := getStatus(ctx, *adminAddr)
		if err != nil {
			return err
		}
		health, err := checkHealth(ctx, *adminAddr)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "HEALTH: %v\n", health)
		fmt.Fprintf(w, "PROTOCOL: %s\n", res.Protocol)
		fmt.Fprintf(w, "LISTEN ADDR: %s\n", res.ListenAddr)
		fmt.Fprintf(w, "ACTIVE SESSIONS: %d\n", res.ActiveSessions)
		fmt.Fprintf(w, "ACTIVE STREAMS: %d\n", res.ActiveStreams)
		fmt.Fprintf(w, "UPTIME: %v\n", time.Duration(res.UptimeSeconds)*time.Second)
		return nil
	}
	return c
}

func getStatus(ctx context.Context, adminAddr string) (*qechod.StatusResponse, error) {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = time.Second
	hc.Logger = nil
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+adminAddr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("status request failed: %s", resp.Status)
	}
	var res qechod.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrapf(err, "decoding status")
	}
	return &res, nil
}

func checkHealth(ctx context.Context, adminAddr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	gc, err := grpc.NewClient(adminAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, err
	}
	defer gc.Close()
	res, err := healthpb.NewHealthClient(gc).Check(ctx, &healthpb.HealthCheckRequest{Service: qechod.HealthService})
	if err != nil {
		return 0, err
	}
	return res.Status, nil
}
