package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/plugin"
	"github.com/soyeahso/switchboard/internal/version"
)

// Service is an MCP tool service running as a child process over stdio.
type Service struct {
	cfg     ServiceConfig
	session *mcp.ClientSession
	tools   []agent.Tool
	log     *logging.Logger
}

var _ plugin.Plugin = (*Service)(nil)

// NewService returns an unstarted service for cfg.
func NewService(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg}
}

func (s *Service) ID() string      { return s.cfg.Name }
func (s *Service) Name() string    { return s.cfg.Name }
func (s *Service) Version() string { return s.cfg.Version }

func (s *Service) command() *exec.Cmd {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

// Init starts the process, performs the MCP handshake and lists tools.
func (s *Service) Init(ctx context.Context, api plugin.API) error {
	s.log = api.Log
	cmd := s.command()
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	go s.logStderr(stderr)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.startTimeout())
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "switchboard", Version: version.Version}, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	var defs []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		page, err := session.ListTools(ctx, params)
		if err != nil {
			session.Close()
			return fmt.Errorf("tools/list: %w", err)
		}
		defs = append(defs, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}

	s.session = session
	s.tools = make([]agent.Tool, 0, len(defs))
	for _, def := range defs {
		s.tools = append(s.tools, &remoteTool{service: s, def: def})
	}
	s.log.Debug().Str("command", s.cfg.Command).Int("tools", len(defs)).Msg("service connected")
	return nil
}

func (s *Service) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.log.Debug().Str("stderr", line).Msg("service output")
		}
	}
}

func (s *Service) Tools() []agent.Tool { return s.tools }

func (s *Service) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return nil
	}
	return err
}

// remoteTool forwards execution to tools/call.
type remoteTool struct {
	service *Service
	def     *mcp.Tool
}

func (t *remoteTool) Name() string        { return t.service.cfg.Name + "_" + t.def.Name }
func (t *remoteTool) Description() string { return t.def.Description }

func (t *remoteTool) InputSchema() string {
	if t.def.InputSchema == nil {
		return ""
	}
	data, err := json.Marshal(t.def.InputSchema)
	if err != nil {
		return ""
	}
	return string(data)
}

func (t *remoteTool) Timeout() time.Duration {
	return time.Duration(t.service.cfg.TimeoutSeconds) * time.Second
}

func (t *remoteTool) Execute(ctx context.Context, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		input = "{}"
	}
	res, err := t.service.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.def.Name,
		Arguments: json.RawMessage(input),
	})
	if err != nil {
		return "", err
	}

	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			texts = append(texts, tc.Text)
		}
	}
	out := strings.Join(texts, "\n")
	if res.IsError {
		return "", errors.New(out)
	}
	return out, nil
}
