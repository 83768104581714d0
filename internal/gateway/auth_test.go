package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestSafeEqual(t *testing.T) {
	assert.True(t, safeEqual("secret", "secret"))
	assert.True(t, safeEqual("", ""))
	assert.False(t, safeEqual("secret", "wrong"))
	assert.False(t, safeEqual("short", "longer-string"))
	assert.False(t, safeEqual("", "secret"))
}

func TestResolveAuth(t *testing.T) {
	t.Run("config wins over env", func(t *testing.T) {
		t.Setenv("SWITCHBOARD_GATEWAY_TOKEN", "env-token")
		auth := ResolveAuth(config.GatewayAuth{Mode: "token", Token: "config-token"})
		assert.Equal(t, "config-token", auth.Token)
	})
	t.Run("env fills blanks", func(t *testing.T) {
		t.Setenv("SWITCHBOARD_GATEWAY_TOKEN", "env-token")
		t.Setenv("SWITCHBOARD_GATEWAY_PASSWORD", "env-pass")
		auth := ResolveAuth(config.GatewayAuth{Mode: "token"})
		assert.Equal(t, "env-token", auth.Token)
		assert.Equal(t, "env-pass", auth.Password)
	})
	t.Run("mode defaults to token", func(t *testing.T) {
		t.Setenv("SWITCHBOARD_GATEWAY_PASSWORD", "")
		assert.Equal(t, "token", ResolveAuth(config.GatewayAuth{Token: "t"}).Mode)
	})
	t.Run("password implies password mode", func(t *testing.T) {
		assert.Equal(t, "password", ResolveAuth(config.GatewayAuth{Password: "p"}).Mode)
	})
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name   string
		server ResolvedAuth
		client *ConnectAuth
		ok     bool
		reason string
	}{
		{"token ok", ResolvedAuth{Mode: "token", Token: "s"}, &ConnectAuth{Token: "s"}, true, ""},
		{"token mismatch", ResolvedAuth{Mode: "token", Token: "s"}, &ConnectAuth{Token: "x"}, false, "token_mismatch"},
		{"token missing", ResolvedAuth{Mode: "token", Token: "s"}, &ConnectAuth{Password: "s"}, false, "token required"},
		{"server token unset", ResolvedAuth{Mode: "token"}, &ConnectAuth{Token: "s"}, false, "server token not configured"},
		{"password ok", ResolvedAuth{Mode: "password", Password: "p"}, &ConnectAuth{Password: "p"}, true, ""},
		{"password mismatch", ResolvedAuth{Mode: "password", Password: "p"}, &ConnectAuth{Password: "q"}, false, "password_mismatch"},
		{"no credentials", ResolvedAuth{Mode: "token", Token: "s"}, nil, false, "no credentials provided"},
		{"unknown mode", ResolvedAuth{Mode: "oauth"}, &ConnectAuth{Token: "s"}, false, "unknown auth mode: oauth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Authorize(tt.server, tt.client)
			assert.Equal(t, tt.ok, res.OK)
			assert.Equal(t, tt.reason, res.Reason)
			if tt.ok {
				assert.Equal(t, tt.server.Mode, res.Method)
			}
		})
	}
}

func TestAuthLimiter(t *testing.T) {
	l := newAuthLimiter()
	assert.True(t, l.allow("10.0.0.1:1234"))

	for range authRateMaxFails - 1 {
		l.recordFailure("10.0.0.1:1234")
	}
	assert.True(t, l.allow("10.0.0.1:5555"), "still under the budget")

	l.recordFailure("10.0.0.1:9999")
	assert.False(t, l.allow("10.0.0.1:1234"), "ports share the host budget")
	assert.True(t, l.allow("10.0.0.2:1234"))

	l.recordFailure("bare-host")
	assert.True(t, l.allow("bare-host"))
}

func TestCheckWebSocketOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, checkWebSocketOrigin(nil)(req("")))
	assert.False(t, checkWebSocketOrigin(nil)(req("http://evil.example")))
	assert.True(t, checkWebSocketOrigin([]string{"*"})(req("http://any.example")))
	assert.True(t, checkWebSocketOrigin([]string{"http://a", "http://b"})(req("http://b")))
	assert.False(t, checkWebSocketOrigin([]string{"http://a"})(req("http://b")))
}
