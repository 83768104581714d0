package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/soyeahso/switchboard/internal/config"
)

const defaultCommandTimeout = 10 * time.Second

// commandEntries maps each event to its configured shell commands.
func commandEntries(cfg config.HooksConfig) map[string][]config.HookEntry {
	return map[string][]config.HookEntry{
		EventMessageReceived: cfg.MessageReceived,
		EventMessageRejected: cfg.MessageRejected,
		EventCommandExecuted: cfg.CommandExecuted,
		EventSessionStart:    cfg.SessionStart,
		EventSessionEnd:      cfg.SessionEnd,
		EventSessionTimeout:  cfg.SessionTimeout,
		EventToolRound:       cfg.ToolRound,
		EventGatewayStart:    cfg.GatewayStart,
		EventGatewayStop:     cfg.GatewayStop,
	}
}

// RegisterCommands registers a handler per configured hook command. The
// command runs under sh -c with the payload as JSON on stdin and the
// event name in SWITCHBOARD_EVENT. It returns the number registered.
func (m *Manager) RegisterCommands(cfg config.HooksConfig) int {
	n := 0
	for event, entries := range commandEntries(cfg) {
		for i, e := range entries {
			if e.Command == "" {
				continue
			}
			m.On(event, fmt.Sprintf("command:%s:%d", event, i), commandHandler(e))
			n++
		}
	}
	return n
}

func commandHandler(e config.HookEntry) Handler {
	timeout := time.Duration(e.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return func(ctx context.Context, p Payload) error {
		input, err := json.Marshal(p)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
		cmd.Env = append(os.Environ(), "SWITCHBOARD_EVENT="+p.Event)
		cmd.Stdin = bytes.NewReader(input)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.WaitDelay = time.Second

		if err := cmd.Run(); err != nil {
			if stderr.Len() > 0 {
				return fmt.Errorf("hook %q: %w: %s", e.Command, err, bytes.TrimSpace(stderr.Bytes()))
			}
			return fmt.Errorf("hook %q: %w", e.Command, err)
		}
		return nil
	}
}
