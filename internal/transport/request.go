package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Cancellable aborts an enqueued request.
type Cancellable interface {
	Cancel()
}

// CancelFunc adapts a function to Cancellable.
type CancelFunc func()

func (f CancelFunc) Cancel() { f() }

// Transport executes requests asynchronously. Implementations must call
// req.Complete exactly once per enqueued request.
type Transport interface {
	Enqueue(req *Request) Cancellable
}

// Request is a backend call produced by a sync strategy.
type Request struct {
	ID      string
	Method  string
	Path    string
	Payload any
	Header  map[string]string
	// Strategy names the producer; filled in by the scheduler.
	Strategy string

	mu        sync.Mutex
	handlers  []func(*Response)
	executor  func(func())
	completed bool
	cancelled bool
	cancel    Cancellable
}

// NewRequest creates a request with a fresh correlation id.
func NewRequest(method, path string, payload any) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Method:  method,
		Path:    path,
		Payload: payload,
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}

// OnComplete appends a completion handler. Handlers run in registration order.
func (r *Request) OnComplete(fn func(*Response)) *Request {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
	return r
}

// SetExecutor routes completion handlers through exec, typically the
// owning account's sync context.
func (r *Request) SetExecutor(exec func(func())) {
	r.mu.Lock()
	r.executor = exec
	r.mu.Unlock()
}

// Complete delivers resp to the handlers. Only the first call has an
// effect; it reports whether this call was that one.
func (r *Request) Complete(resp *Response) bool {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return false
	}
	r.completed = true
	if r.cancelled && resp.Err == nil {
		resp = &Response{Err: ErrCancelled}
	}
	handlers := r.handlers
	exec := r.executor
	r.mu.Unlock()

	run := func() {
		for _, h := range handlers {
			h(resp)
		}
	}
	if exec != nil {
		exec(run)
	} else {
		run()
	}
	return true
}

// Attach records the transport handle. If the request was cancelled before
// it reached the transport, c is cancelled immediately.
func (r *Request) Attach(c Cancellable) {
	r.mu.Lock()
	r.cancel = c
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled && c != nil {
		c.Cancel()
	}
}

// Cancel aborts the request at the transport. The completion still runs,
// with ErrCancelled.
func (r *Request) Cancel() {
	r.mu.Lock()
	if r.cancelled || r.completed {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	c := r.cancel
	r.mu.Unlock()
	if c != nil {
		c.Cancel()
	}
}

// Cancelled reports whether Cancel was called before completion.
func (r *Request) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Response is the outcome of a request. Err is set for transport-level
// failures, in which case StatusCode is zero.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Err        error
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: %w", ErrEmptyBody)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Label returns the backend error label, if the body carries one.
func (r *Response) Label() string {
	var body struct {
		Label string `json:"label"`
	}
	if len(r.Body) == 0 || json.Unmarshal(r.Body, &body) != nil {
		return ""
	}
	return body.Label
}
