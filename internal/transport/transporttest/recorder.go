// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/matheus3301/wsync/internal/transport"
)

// Recorder captures enqueued requests and lets tests answer them.
type Recorder struct {
	mu        sync.Mutex
	requests  []*transport.Request
	cancelled map[*transport.Request]bool

	// Handler, when set, answers every request synchronously.
	Handler func(req *transport.Request) *transport.Response
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{cancelled: make(map[*transport.Request]bool)}
}

func (r *Recorder) Enqueue(req *transport.Request) transport.Cancellable {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	h := r.Handler
	r.mu.Unlock()

	if h != nil {
		if resp := h(req); resp != nil {
			req.Complete(resp)
		}
	}
	return transport.CancelFunc(func() {
		r.mu.Lock()
		r.cancelled[req] = true
		r.mu.Unlock()
		req.Complete(&transport.Response{Err: transport.ErrCancelled})
	})
}

// Requests returns every request seen so far.
func (r *Recorder) Requests() []*transport.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*transport.Request, len(r.requests))
	copy(out, r.requests)
	return out
}

// Len returns the number of enqueued requests.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Last returns the most recent request, or nil.
func (r *Recorder) Last() *transport.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

// WasCancelled reports whether the transport handle of req was cancelled.
func (r *Recorder) WasCancelled(req *transport.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[req]
}

// JSON builds a response with body marshalled as JSON. A nil body yields
// an empty payload.
func JSON(status int, body any) *transport.Response {
	resp := &transport.Response{StatusCode: status}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		resp.Body = data
	}
	return resp
}

// Respond completes req with a JSON response.
func Respond(req *transport.Request, status int, body any) {
	req.Complete(JSON(status, body))
}

// Fail completes req with a transport-level error.
func Fail(req *transport.Request, err error) {
	req.Complete(&transport.Response{Err: err})
}
