package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// ProviderAdapter is one LLM backend. Adapters are registered on a Client
// under a provider name.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a request and returns a channel of stream events. The
	// channel is closed once the response is finished or has failed.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// ToolChoiceSupporter is implemented by adapters that only honour some tool
// choice modes. Adapters without it are assumed to accept every mode.
type ToolChoiceSupporter interface {
	SupportsToolChoice(mode string) bool
}

// Middleware wraps a Complete call.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a Stream call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to provider adapters through middleware. The
// provider set is fixed at construction, so a Client is safe for concurrent
// use without locking.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends Complete middleware. The first one registered runs
// outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// WithStreamMiddleware appends Stream middleware, outermost first.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.streamMW = append(c.streamMW, mw...) }
}

// NewClient creates a Client. With exactly one provider and no explicit
// default, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// adapterFor picks the adapter for req: its own provider, the default, or
// the provider the model catalog lists for req.Model.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// chain wraps handler in mws so that mws[0] is the outermost layer.
func chain[T any](handler func(context.Context, Request) (T, error),
	mws []func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error),
) func(context.Context, Request) (T, error) {
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], handler
		handler = func(ctx context.Context, r Request) (T, error) { return mw(ctx, r, next) }
	}
	return handler
}

// Complete sends a blocking request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	mws := make([]func(context.Context, Request, func(context.Context, Request) (*Response, error)) (*Response, error), len(c.middleware))
	for i, mw := range c.middleware {
		mws[i] = mw
	}
	return chain(adapter.Complete, mws)(ctx, req)
}

// Stream sends a streaming request.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	mws := make([]func(context.Context, Request, func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error), len(c.streamMW))
	for i, mw := range c.streamMW {
		mws[i] = mw
	}
	return chain(adapter.Stream, mws)(ctx, req)
}

// SupportsToolChoice reports whether the provider that would serve req
// accepts the given tool choice mode.
func (c *Client) SupportsToolChoice(req Request, mode string) bool {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return false
	}
	if s, ok := adapter.(ToolChoiceSupporter); ok {
		return s.SupportsToolChoice(mode)
	}
	return true
}

// Close releases every adapter that holds resources.
func (c *Client) Close() error {
	var errs []error
	for name, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
