// Package images turns image URLs into data: URIs that multimodal models
// can read without reaching back to the chat platform.
package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// ErrNotImage is returned when a URL does not serve an image.
var ErrNotImage = errors.New("not an image")

// ErrTooLarge is returned when an image exceeds the size limit.
var ErrTooLarge = errors.New("image too large")

type entry struct {
	dataURI   string
	expiresAt time.Time
}

// Resolver downloads images and caches the encoded result by URL.
type Resolver struct {
	http     *resty.Client
	cache    *lru.Cache
	mu       sync.RWMutex
	ttl      time.Duration
	maxBytes int64
	group    singleflight.Group
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// New creates a resolver from cfg.
func New(cfg config.ImagesConfig, m *metrics.Metrics, log *logging.Logger) (*Resolver, error) {
	size := cfg.CacheSize
	if size < 1 {
		size = 256
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Resolver{
		http:     resty.New().SetTimeout(timeout).SetHeader("User-Agent", "switchboard"),
		cache:    cache,
		ttl:      time.Duration(cfg.TTLMinutes) * time.Minute,
		maxBytes: maxBytes,
		now:      time.Now,
		metrics:  m,
		log:      log.Sub("images"),
	}, nil
}

// Resolve returns url as a data: URI. data: URIs pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		r.metrics.ImageResolved("inline")
		return url, nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		r.metrics.ImageResolved("error")
		return "", fmt.Errorf("unsupported image url %q", url)
	}
	if uri, ok := r.get(url); ok {
		r.metrics.ImageResolved("hit")
		return uri, nil
	}

	v, err, _ := r.group.Do(url, func() (any, error) {
		return r.fetch(ctx, url)
	})
	if err != nil {
		r.metrics.ImageResolved("error")
		r.log.Warn().Err(err).Str("url", url).Msg("image resolution failed")
		return "", err
	}
	uri := v.(string)
	r.put(url, uri)
	r.metrics.ImageResolved("fetched")
	return uri, nil
}

// ResolveContent replaces every image part's URL with a data: URI and
// drops images that cannot be resolved. It returns the new content and
// the number of images dropped.
func (r *Resolver) ResolveContent(ctx context.Context, c domain.Content) (domain.Content, int) {
	if !c.IsMulti() {
		return c, 0
	}
	parts := make([]domain.ContentPart, 0, len(c.Parts))
	dropped := 0
	for _, p := range c.Parts {
		if p.Type != domain.PartImageURL || p.ImageURL == nil {
			parts = append(parts, p)
			continue
		}
		uri, err := r.Resolve(ctx, p.ImageURL.URL)
		if err != nil {
			dropped++
			continue
		}
		parts = append(parts, domain.ContentPart{
			Type:     domain.PartImageURL,
			ImageURL: &domain.ImageURL{URL: uri, Detail: p.ImageURL.Detail},
		})
	}
	return domain.Parts(parts...), dropped
}

func (r *Resolver) get(url string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache.Get(url)
	if !ok {
		return "", false
	}
	e := v.(entry)
	if r.ttl > 0 && r.now().After(e.expiresAt) {
		r.cache.Remove(url)
		return "", false
	}
	return e.dataURI, true
}

func (r *Resolver) put(url, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(url, entry{dataURI: uri, expiresAt: r.now().Add(r.ttl)})
}

func (r *Resolver) fetch(ctx context.Context, url string) (string, error) {
	resp, err := r.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return "", fmt.Errorf("fetch image: status %d", resp.StatusCode())
	}
	if resp.RawResponse.ContentLength > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.RawResponse.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: over %d bytes", ErrTooLarge, r.maxBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header().Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotImage, mediaType)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Len returns the number of cached images.
func (r *Resolver) Len() int { return r.cache.Len() }
