package gateway

import (
	"crypto/subtle"
	"net"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/soyeahso/switchboard/internal/config"
	"golang.org/x/time/rate"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the effective gateway credentials.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth fills credentials missing from cfg from
// SWITCHBOARD_GATEWAY_TOKEN and SWITCHBOARD_GATEWAY_PASSWORD.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token, Password: cfg.Password}
	if auth.Token == "" {
		auth.Token = os.Getenv("SWITCHBOARD_GATEWAY_TOKEN")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("SWITCHBOARD_GATEWAY_PASSWORD")
	}
	if auth.Mode == "" {
		auth.Mode = "token"
		if auth.Password != "" {
			auth.Mode = "password"
		}
	}
	return auth
}

// Authorize checks client credentials against the server's.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if client == nil {
		return AuthResult{Reason: "no credentials provided"}
	}
	var want, got string
	switch server.Mode {
	case "token":
		want, got = server.Token, client.Token
	case "password":
		want, got = server.Password, client.Password
	default:
		return AuthResult{Reason: "unknown auth mode: " + server.Mode}
	}
	switch {
	case want == "":
		return AuthResult{Reason: "server " + server.Mode + " not configured"}
	case got == "":
		return AuthResult{Reason: server.Mode + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: server.Mode + "_mismatch"}
	}
	return AuthResult{OK: true, Method: server.Mode}
}

// safeEqual compares in constant time without leaking the length.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000
)

// authLimiter gives every remote host a budget of failed handshakes that
// refills over authRateWindow. Hosts are kept in an LRU so the table
// stays bounded.
type authLimiter struct {
	hosts *lru.Cache
}

func newAuthLimiter() *authLimiter {
	cache, err := lru.New(authRateMaxIPs)
	if err != nil {
		panic(err)
	}
	return &authLimiter{hosts: cache}
}

func hostOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func (l *authLimiter) limiter(remoteAddr string, create bool) *rate.Limiter {
	host := hostOf(remoteAddr)
	if v, ok := l.hosts.Get(host); ok {
		return v.(*rate.Limiter)
	}
	if !create {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(authRateWindow/authRateMaxFails), authRateMaxFails)
	l.hosts.Add(host, lim)
	return lim
}

// allow reports whether remoteAddr still has failures left.
func (l *authLimiter) allow(remoteAddr string) bool {
	lim := l.limiter(remoteAddr, false)
	return lim == nil || lim.Tokens() >= 1
}

func (l *authLimiter) recordFailure(remoteAddr string) {
	l.limiter(remoteAddr, true).Allow()
}
