package subscriber

import (
	"context"
	"sync"
)

// TokenSource supplies the bearer token presented with each subscribe.
// Refresh is called after the gateway reports the token expired.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken never changes; Refresh returns the same value.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(context.Context) (string, error) { return string(t), nil }

// RefreshingToken caches a token and fetches a new one on Refresh.
type RefreshingToken struct {
	mu      sync.Mutex
	current string
	fetch   func(ctx context.Context) (string, error)
}

// NewRefreshingToken calls fetch lazily on first use and again on Refresh.
func NewRefreshingToken(fetch func(ctx context.Context) (string, error)) *RefreshingToken {
	return &RefreshingToken{fetch: fetch}
}

func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != "" {
		return t.current, nil
	}
	return t.refreshLocked(ctx)
}

func (t *RefreshingToken) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked(ctx)
}

func (t *RefreshingToken) refreshLocked(ctx context.Context) (string, error) {
	tok, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.current = tok
	return tok, nil
}
