package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

type requestState int

const (
	requestPending requestState = iota
	requestStarted
	requestDone
)

// Completion is the outcome of a dispatched request.
type Completion struct {
	Request  *Request
	Response *Response
	Err      error
}

// CompletionFunc receives the completion of a request.
// Completion functions run one at a time on the gateway notifier.
type CompletionFunc func(ctx context.Context, c Completion)

// Request is a pending dispatch.
type Request struct {
	Handle        int64
	CorrelationID string
	Message       *model.Message

	gw         *Gateway
	onComplete CompletionFunc
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	mu    sync.Mutex
	state requestState
	resp  *Response
	err   error
}

// begin moves a pending request to started.  It returns false if the request was already finished.
func (r *Request) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != requestPending {
		return false
	}
	r.state = requestStarted
	return true
}

// finish records the outcome once.  It returns false if an outcome was already recorded.
func (r *Request) finish(resp *Response, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == requestDone {
		return false
	}
	r.state = requestDone
	r.resp, r.err = resp, err
	r.cancel()
	close(r.done)
	return true
}

// Cancel cancels the request.  A request that has not started is completed with errors.ErrRequestCancelled.
// A started request has its send context cancelled, which the transport may or may not honour.
// Cancel reports false when the request had already completed.
func (r *Request) Cancel() bool {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	switch state {
	case requestPending:
		if r.gw.complete(r, nil, errors2.ErrRequestCancelled) {
			return true
		}
		return r.Cancel()
	case requestStarted:
		r.cancel()
		return true
	}
	return false
}

// Done is closed once the request has an outcome.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes, ctx is cancelled or the timeout elapses.
// An elapsed timeout returns errors.ErrTimeout and leaves the request running.
func (r *Request) Wait(ctx context.Context, timeout time.Duration) (*Response, error) {
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.resp, r.err
	case <-tm.C:
		return nil, fmt.Errorf("wait for request %d after %s: %w", r.Handle, timeout, errors2.ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for request %d: %w", r.Handle, ctx.Err())
	}
}
