package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the backend HTTP transport.
type HTTPConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTP executes requests against the backend REST API. Each enqueued
// request runs on its own goroutine, paced by a shared rate limiter.
type HTTP struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.RWMutex
	token string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTP creates a transport for one account.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	ctx, cancel := context.WithCancel(context.Background())
	return &HTTP{
		client:  cli,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("transport"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (h *HTTP) SetToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = strings.TrimSpace(token)
}

func (h *HTTP) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Enqueue starts req in the background and returns a handle to abort it.
func (h *HTTP) Enqueue(req *Request) Cancellable {
	ctx, cancel := context.WithCancel(h.ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		resp := h.do(ctx, req)
		if resp.Err != nil {
			h.logger.Debug("request failed", zap.String("request_id", req.ID), zap.Stringer("request", req), zap.Error(resp.Err))
		}
		req.Complete(resp)
	}()
	return CancelFunc(cancel)
}

// Do executes req synchronously. Used by flows that run outside a sync
// context, such as login.
func (h *HTTP) Do(ctx context.Context, req *Request) *Response {
	return h.do(ctx, req)
}

func (h *HTTP) do(ctx context.Context, req *Request) *Response {
	if err := h.limiter.Wait(ctx); err != nil {
		return &Response{Err: mapError(ctx, err)}
	}

	r := h.client.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", req.ID)
	if tok := h.Token(); tok != "" {
		r.SetAuthToken(tok)
	}
	for k, v := range req.Header {
		r.SetHeader(k, v)
	}
	if req.Payload != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Payload)
	}

	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		return &Response{Err: mapError(ctx, err)}
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		Header:     resp.Header(),
	}
}

// Close aborts every in-flight request and waits for completions to be
// delivered.
func (h *HTTP) Close() {
	h.cancel()
	h.wg.Wait()
}

func mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrOffline, err)
}
