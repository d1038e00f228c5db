package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hereforyou/companion/internal/middleware"
	"github.com/hereforyou/companion/internal/model"
)

var (
	sayConversation string
	sayMood         bool
)

var sayCmd = &cobra.Command{
	Use:   "say [text...]",
	Short: "Send a message to a conversation and print it",
	Long: `say runs one turn against the configured store and gateway: it appends
the text as a user message, appends the companion reply and prints the
conversation. With --mood the text is treated as a mood label.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := middleware.ValidateConversationID(sayConversation); err != nil {
			return err
		}

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

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		text := strings.Join(args, " ")
		if sayMood {
			_, err = a.controller.SendMoodShortcut(ctx, sayConversation, text)
		} else {
			_, err = a.controller.SendUserMessage(ctx, sayConversation, text)
		}
		if err != nil {
			return err
		}

		messages, err := a.controller.Messages(ctx, sayConversation)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, m := range messages {
			fmt.Fprintf(out, "%s  %-9s  %s\n", m.CreatedAt.Format("15:04:05"), m.Author, m.Text)
		}
		return nil
	},
}

func init() {
	sayCmd.Flags().StringVarP(&sayConversation, "conversation", "c", model.DefaultConversationID, "conversation ID")
	sayCmd.Flags().BoolVar(&sayMood, "mood", false, "treat the text as a mood label")
}
