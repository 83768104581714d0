package cli

import (
	"context"
	"net"
	"strconv"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/gateway"
	"github.com/soyeahso/switchboard/internal/version"
)

// gatewayURL returns the websocket endpoint of a locally running serve.
func gatewayURL(gc config.GatewayConfig) string {
	host := "127.0.0.1"
	if gc.Bind == "custom" && gc.CustomBindHost != "" {
		host = gc.CustomBindHost
	}
	scheme := "ws"
	if gc.TLS.Enabled {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(gc.Port)) + "/ws"
}

func dialGateway(ctx context.Context, cfg config.Config) (*gateway.Remote, error) {
	auth := gateway.ResolveAuth(cfg.Gateway.Auth)
	creds := &gateway.ConnectAuth{}
	if auth.Mode == "password" {
		creds.Password = auth.Password
	} else {
		creds.Token = auth.Token
	}
	info := gateway.ClientInfo{ID: "switchboard-cli", DisplayName: "cli", Version: version.Version}
	return gateway.Dial(ctx, gatewayURL(cfg.Gateway), info, creds)
}
