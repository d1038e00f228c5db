package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

)

var mentorCmd = &cobra.Command{
	Use:   "mentor [message...]",
	Short: "Ask the completion gateway for one reply",
	Long: `mentor sends a single message through the completion gateway and prints
the reply. The exit status is non-zero when the gateway fell back.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		gw, err := newGateway(ctx, cfg, log)
		if err != nil {
			return err
		}

		res := gw.Complete(ctx, strings.Join(args, " "))
		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
		if !res.OK() {
			return errors.New("mentor unavailable: " + string(res.Failure))
		}
		return nil
	},
}
