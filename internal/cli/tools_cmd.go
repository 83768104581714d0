package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and reload the tools of a running switchboard",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsReloadCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tools []agent.ToolInfo `json:"tools"`
			}
			if err := callGateway(cmd, "tools.list", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tDESCRIPTION")
			for _, t := range resp.Tools {
				fmt.Fprintf(w, "%s\t%v\t%s\n", t.Name, t.Enabled, t.Description)
			}
			return w.Flush()
		},
	}
}

func newToolsReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Restart tool services and re-read the tool directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tools int `json:"tools"`
			}
			if err := callGateway(cmd, "tools.reload", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d tools\n", resp.Tools)
			return nil
		},
	}
}

func callGateway(cmd *cobra.Command, method string, out any) error {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	r, err := dialGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Call(ctx, method, nil, out)
}
