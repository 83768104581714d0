package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/dispatch"
	"github.com/soyeahso/switchboard/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and live dispatcher state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.Info())
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Data:     %s\n", paths.Data)
			fmt.Fprintf(out, "Tools:    %s\n", paths.Tools)
			fmt.Fprintln(out)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config error: %v\n", err)
				return nil
			}
			printSummary(cmd, cfg)

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}

			if offline || !cfg.Gateway.Enabled {
				return nil
			}
			fmt.Fprintln(out)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			r, err := dialGateway(ctx, cfg)
			if err != nil {
				fmt.Fprintf(out, "Live:     not reachable (%v)\n", err)
				return nil
			}
			defer r.Close()
			var st dispatch.Status
			if err := r.Call(ctx, "status", nil, &st); err != nil {
				return err
			}
			printLive(cmd, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "skip querying the running gateway")
	return cmd
}

func printSummary(cmd *cobra.Command, cfg config.Config) {
	out := cmd.OutOrStdout()
	d := cfg.Dispatch
	fmt.Fprintf(out, "Dispatch: mode=%s maxSessions=%d timeout=%s reaper=%s\n",
		d.Mode, d.MaxSessions, d.SessionTimeout(), d.ReaperInterval())

	providers := make([]string, 0, len(cfg.Models.Providers))
	for name, p := range cfg.Models.Providers {
		providers = append(providers, name+"("+p.Type+")")
	}
	slices.Sort(providers)
	fmt.Fprintf(out, "Models:   default=%s providers=%s catalog=%d\n",
		cfg.Models.Default, strings.Join(providers, ","), len(cfg.Models.Catalog))
	fmt.Fprintf(out, "Agent:    maxRounds=%d toolTimeout=%s tools=%v\n",
		cfg.Agent.MaxRounds, cfg.Agent.ToolTimeout(), cfg.Agent.DefaultToolsEnabled)
	fmt.Fprintf(out, "History:  store=%s maxUserTurns=%d\n", cfg.History.Store, cfg.History.MaxUserTurns)

	if ob := cfg.Channels.OneBot; ob != nil {
		fmt.Fprintf(out, "OneBot:   url=%s respondToAll=%v\n", ob.URL, ob.RespondToAll)
	} else {
		fmt.Fprintln(out, "OneBot:   (not configured)")
	}
	if irc := cfg.Channels.IRC; irc != nil {
		fmt.Fprintf(out, "IRC:      server=%s nick=%s channels=%s tls=%v\n",
			irc.Server, irc.Nick, strings.Join(irc.Channels, ","), irc.UseTLS)
	} else {
		fmt.Fprintln(out, "IRC:      (not configured)")
	}
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "Gateway:  port=%d bind=%s auth=%s tls=%v\n",
			cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled)
	} else {
		fmt.Fprintln(out, "Gateway:  disabled")
	}
}

func printLive(cmd *cobra.Command, st dispatch.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Live:     mode=%s active=%d/%d queued=%d\n", st.Mode, st.Active, st.Capacity, st.Queued)
	for _, c := range st.Chats {
		fmt.Fprintf(out, "  chat %s depth=%d active=%d\n", c.ChatID, c.Depth, c.Active)
	}
	for _, s := range st.Sessions {
		fmt.Fprintf(out, "  session %s chat=%s state=%s\n", s.ID, s.ChatID, s.State)
	}
}
