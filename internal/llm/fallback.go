package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FallbackProvider wraps multiple providers and tries them in order.
// If the primary provider fails, subsequent providers are tried until
// one succeeds or all have failed. Only retryable transport failures move
// on to the next provider. Client errors, malformed responses and a
// cancelled context are returned as they are.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage tries each provider in order, returning the first successful response.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("position", i+1),
				)
			}
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil || !recoverable(err) {
			return nil, err
		}
		lastErr = err
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("position", i+1),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	if len(f.providers) == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// recoverable reports whether another backend could answer where this one
// failed. A request the server rejected, or an answer it could not shape,
// would fail the same way elsewhere.
func recoverable(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return true
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackProvider) Name() string {
	if len(f.providers) == 1 {
		return f.providers[0].Name()
	}
	return f.providers[0].Name() + "+fallback"
}
