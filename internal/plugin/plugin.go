// Package plugin manages tool services: units that contribute tools to the
// agent and own resources (a child process, a store handle) while loaded.
package plugin

import (
	"context"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/logging"
)

// Plugin is a tool service.
type Plugin interface {
	// ID returns the service name. Its tools are named <ID>_<function>.
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Version returns the service version string, if known.
	Version() string

	// Init starts the service. Tools is only called after a nil return.
	Init(ctx context.Context, api API) error

	// Tools returns the service's tools with qualified names.
	Tools() []agent.Tool

	// Close stops the service and releases its resources.
	Close() error
}

// API is what a service gets from the host.
type API struct {
	Hooks *hooks.Manager
	Log   *logging.Logger
}
