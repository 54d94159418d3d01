package qechocmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.qecho.dev/qecho/pkg/serde"
)

func newKeygenCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "keygen",
		Short: "generates a self-signed certificate and private key",
	}
	outDir := c.Flags().String("out-dir", ".", "directory to write cert.pem and key.pem into")
	hosts := c.Flags().StringSlice("hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IP addresses the certificate is valid for")
	validFor := c.Flags().Duration("valid-for", 365*24*time.Hour, "how long the certificate is valid")
	force := c.Flags().Bool("force", false, "overwrite existing files")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		certPath := filepath.Join(*outDir, "cert.pem")
		keyPath := filepath.Join(*outDir, "key.pem")
		if !*force {
			for _, p := range []string{certPath, keyPath} {
				if _, err := os.Stat(p); err == nil {
					return errors.Errorf("%s already exists, use --force to overwrite", p)
				}
			}
		}
		certPEM, keyPEM, err := serde.GenerateSelfSigned(*hosts, *validFor)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certPath, keyPath)
		return nil
	}
	return c
}
