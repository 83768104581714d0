package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/gateway"
	"github.com/spf13/cobra"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Talk to a running switchboard through its gateway",
	}
	cmd.AddCommand(newMessageSendCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		imageURLs []string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			r, err := dialGateway(ctx, cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			params := map[string]any{"message": strings.Join(args, " ")}
			if len(imageURLs) > 0 {
				params["images"] = imageURLs
			}
			if err := r.Call(ctx, "chat.send", params, nil); err != nil {
				return err
			}
			ev, err := r.WaitEvent(ctx, gateway.EventChatReply)
			if err != nil {
				return fmt.Errorf("waiting for reply: %w", err)
			}
			var reply gateway.ChatReply
			if err := json.Unmarshal(ev.Payload, &reply); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&imageURLs, "image", nil, "attach an image URL (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the reply")
	return cmd
}
