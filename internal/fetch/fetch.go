// Package fetch retrieves web pages for the model and reduces them to
// readable text. Requests to loopback, private and link-local addresses
// are refused at dial time, so redirects and DNS answers cannot reach the
// local network either.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

// ErrBlocked is returned when the target address is not public.
var ErrBlocked = errors.New("address is not publicly routable")

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 10 << 20
	defaultMaxChars = 20000
	maxRedirects    = 5
)

var allowedMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead, http.MethodOptions,
}

// Options configures a Fetcher. Zero values use defaults.
type Options struct {
	Timeout  time.Duration
	MaxBytes int64
	MaxChars int
	// AllowPrivate disables the public-address check.
	AllowPrivate bool
	UserAgent    string
}

// Request is the fetch tool's input.
type Request struct {
	URL     string            `json:"url" jsonschema:"http or https URL to fetch"`
	Method  string            `json:"method,omitempty" jsonschema:"HTTP method, GET when empty"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"extra request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"request body for POST, PUT and PATCH"`
	// Raw skips HTML to text conversion.
	Raw bool `json:"raw,omitempty" jsonschema:"return HTML source instead of extracted text"`
}

// Result is the fetch tool's output.
type Result struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher performs requests with a bounded body size.
type Fetcher struct {
	client *resty.Client
	opts   Options
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaultMaxChars
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "switchboard-fetch/1.0"
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !opts.AllowPrivate {
		dialer.Control = guardAddress
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	client := resty.New().
		SetTransport(transport).
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetHeader("User-Agent", opts.UserAgent)
	return &Fetcher{client: client, opts: opts}
}

// guardAddress runs after DNS resolution, on the address actually dialed.
func guardAddress(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublic(ip) {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	return nil
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast())
}

// Fetch performs req. Transport failures and invalid input are errors;
// HTTP error statuses are reported in the Result.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must start with http:// or https://")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !slices.Contains(allowedMethods, method) {
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}

	r := f.client.R().
		SetContext(ctx).
		SetHeaders(req.Headers).
		SetDoNotParseResponse(true)
	if req.Body != "" {
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(method, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	body := resp.RawBody()
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	truncated := int64(len(data)) > f.opts.MaxBytes
	if truncated {
		data = data[:f.opts.MaxBytes]
	}

	contentType := resp.Header().Get("Content-Type")
	res := &Result{
		URL:         resp.Request.URL,
		Status:      resp.StatusCode(),
		ContentType: contentType,
		Truncated:   truncated,
	}
	if final := resp.RawResponse.Request; final != nil && final.URL != nil {
		res.URL = final.URL.String()
	}

	text, cut := f.render(contentType, data, req.Raw)
	res.Text = text
	res.Truncated = res.Truncated || cut
	return res, nil
}

func (f *Fetcher) render(contentType string, data []byte, raw bool) (string, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	var text string
	switch {
	case isHTML(mediaType, data) && !raw:
		text = ExtractText(data)
	case isTextual(mediaType) || (mediaType == "" && utf8.Valid(data)):
		text = string(data)
	default:
		return fmt.Sprintf("[binary content: %s, %d bytes]", mediaType, len(data)), false
	}
	return truncateRunes(text, f.opts.MaxChars)
}

func isHTML(mediaType string, data []byte) bool {
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		return true
	}
	return mediaType == "" && strings.HasPrefix(http.DetectContentType(data), "text/html")
}

func isTextual(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/javascript",
		"application/x-yaml", "application/yaml":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}

func truncateRunes(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
