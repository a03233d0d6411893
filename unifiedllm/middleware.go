package unifiedllm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// TimeoutMiddleware bounds every Complete call to d so a single unreachable
// endpoint cannot block a request indefinitely.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if d <= 0 {
			return next(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		resp, err := next(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RequestTimeoutError{SDKError: SDKError{Message: "llm call timed out after " + d.String(), Cause: err}}
		}
		return resp, err
	}
}

// stopDeliveryWait bounds how long the reason a stream was cut short waits
// for a slow consumer before it is dropped.
const stopDeliveryWait = 5 * time.Second

// StreamTimeoutMiddleware bounds a whole stream, from request to the last
// event, to d. Events after the deadline are replaced by a timeout error.
func StreamTimeoutMiddleware(d time.Duration) StreamMiddleware {
	return func(parent context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		if d <= 0 {
			return next(parent, req)
		}
		ctx, cancel := context.WithTimeout(parent, d)
		upstream, err := next(ctx, req)
		if err != nil {
			cancel()
			return nil, err
		}

		out := make(chan StreamEvent, 16)
		go func() {
			defer close(out)
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					sendStopped(parent, ctx, out, d)
					return
				case ev, ok := <-upstream:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						sendStopped(parent, ctx, out, d)
						return
					}
				}
			}
		}()
		return out, nil
	}
}

// sendStopped reports why a stream ended early. It waits for the consumer
// while the caller's context is live, up to stopDeliveryWait.
func sendStopped(parent, ctx context.Context, out chan<- StreamEvent, d time.Duration) {
	var err error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &RequestTimeoutError{SDKError: SDKError{Message: "llm stream timed out after " + d.String(), Cause: ctx.Err()}}
	} else {
		err = &AbortError{SDKError: SDKError{Message: "llm stream cancelled", Cause: ctx.Err()}}
	}
	timer := time.NewTimer(stopDeliveryWait)
	defer timer.Stop()
	select {
	case out <- StreamEvent{Type: StreamError, Error: err}:
	case <-parent.Done():
	case <-timer.C:
	}
}

// RetryMiddleware retries failed Complete calls according to policy.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}

// StreamRetryMiddleware retries a stream that fails before its first
// content event. Failures after content has been delivered are passed on
// as stream errors and never retried.
func StreamRetryMiddleware(policy RetryPolicy) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		return Retry(ctx, policy, func(ctx context.Context) (<-chan StreamEvent, error) {
			events, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			return primeStream(ctx, events)
		})
	}
}

// primeStream reads up to the first event other than StreamStart. An error
// seen by then is returned as the open error; otherwise the held events are
// replayed ahead of the rest of the stream.
func primeStream(ctx context.Context, events <-chan StreamEvent) (<-chan StreamEvent, error) {
	var held []StreamEvent
	for {
		select {
		case <-ctx.Done():
			return nil, &AbortError{SDKError: SDKError{Message: "llm stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				return replay(ctx, held, nil), nil
			}
			if ev.Type == StreamError {
				if ev.Error != nil {
					return nil, ev.Error
				}
				return nil, &StreamErrorType{SDKError: SDKError{Message: "stream failed"}}
			}
			held = append(held, ev)
			if ev.Type != StreamStart {
				return replay(ctx, held, events), nil
			}
		}
	}
}

func replay(ctx context.Context, held []StreamEvent, rest <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent, len(held)+16)
	for _, ev := range held {
		out <- ev
	}
	if rest == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for ev := range rest {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// LoggingMiddleware logs each Complete call with its duration and usage.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			logger.Warn("llm call failed", "provider", req.Provider, "model", req.Model,
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			return nil, err
		}
		logger.Debug("llm call", "provider", req.Provider, "model", req.Model,
			"duration_ms", time.Since(start).Milliseconds(),
			"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
		return resp, nil
	}
}
