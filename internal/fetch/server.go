package fetch

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/version"
)

// ToolName is the tool's name inside the service. The tool manager
// exposes it to the model as <service>_fetch.
const ToolName = "fetch"

// NewServer returns an MCP server offering f as the fetch tool.
func NewServer(f *Fetcher, log *logging.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "switchboard-fetch",
		Version: version.Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: ToolName,
		Description: "Fetch a web page or API endpoint and return its status, content type and text. " +
			"HTML is reduced to readable text unless raw is set.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in Request) (*mcp.CallToolResult, Result, error) {
		log.Info().Str("url", in.URL).Str("method", in.Method).Msg("fetch")
		res, err := f.Fetch(ctx, in)
		if err != nil {
			log.Warn().Err(err).Str("url", in.URL).Msg("fetch failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, Result{}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: Format(res)}},
			IsError: res.Status >= 400,
		}, *res, nil
	})
	return server
}

// Format renders a result as the text the model reads.
func Format(r *Result) string {
	s := fmt.Sprintf("URL: %s\nStatus: %d\nContent-Type: %s\n", r.URL, r.Status, r.ContentType)
	if r.Truncated {
		s += "Truncated: yes\n"
	}
	return s + "\n" + r.Text
}
