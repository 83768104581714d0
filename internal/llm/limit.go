package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of in-flight requests to a provider. Callers
// beyond the bound wait until a slot frees or their context ends.
type Limited struct {
	Client
	sem *semaphore.Weighted
}

// WithLimit wraps c so at most n requests run at once. n <= 0 returns c.
func WithLimit(c Client, n int) Client {
	if n <= 0 {
		return c
	}
	return &Limited{Client: c, sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limited) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, context.Cause(ctx)
	}
	defer l.sem.Release(1)
	return l.Client.Complete(ctx, req)
}
