package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/passd"
)

func newWatchCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the reconciliation and expiry loops until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := passd.NewSession(buildConfig(),
				passd.WithLogger(logger),
				passd.WithNotifier(terminalNotifier{}),
			)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
