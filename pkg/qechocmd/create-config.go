package qechocmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.qecho.dev/qecho/pkg/qechod"
)

func newCreateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-config",
		Short: "creates a new default config and writes it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := qechod.DefaultConfig()
			data, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
