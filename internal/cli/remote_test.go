package cli

import (
	"testing"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		name string
		gc   config.GatewayConfig
		want string
	}{
		{"loopback", config.GatewayConfig{Port: 18790, Bind: "loopback"}, "ws://127.0.0.1:18790/ws"},
		{"lan dials loopback", config.GatewayConfig{Port: 9000, Bind: "lan"}, "ws://127.0.0.1:9000/ws"},
		{"custom host", config.GatewayConfig{Port: 9000, Bind: "custom", CustomBindHost: "10.1.2.3"}, "ws://10.1.2.3:9000/ws"},
		{"tls", config.GatewayConfig{Port: 443, TLS: config.GatewayTLS{Enabled: true}}, "wss://127.0.0.1:443/ws"},
		{"ipv6", config.GatewayConfig{Port: 80, Bind: "custom", CustomBindHost: "::1"}, "ws://[::1]:80/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gatewayURL(tt.gc))
		})
	}
}
