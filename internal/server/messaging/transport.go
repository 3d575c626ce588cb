package messaging

import (
	"context"
	"slices"

	"gitlab.com/shar-workflow/taskflow/model"
)

// Response is the successful reply of an endpoint.
type Response struct {
	Status  int
	Headers []model.Header
	Body    []byte
}

// Transport delivers messages to endpoints.
// Send must honour context cancellation and return a *errors.DispatchFailure for remote failures.
type Transport interface {
	Register(ctx context.Context, ep model.Endpoint) error
	Unregister(ctx context.Context, ep model.Endpoint) error
	Send(ctx context.Context, msg *model.Message) (*Response, error)
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSend
)

type op struct {
	kind     opKind
	endpoint model.Endpoint
	request  *Request
}

// placeholder stands in for a transport until a real one is attached.
// It records registrations and sends in a single ordered log.
type placeholder struct {
	log []op
}

func (p *placeholder) register(ep model.Endpoint) {
	p.log = append(p.log, op{kind: opRegister, endpoint: ep})
}

func (p *placeholder) unregister(ep model.Endpoint) {
	p.log = append(p.log, op{kind: opUnregister, endpoint: ep})
}

func (p *placeholder) send(r *Request) {
	p.log = append(p.log, op{kind: opSend, request: r})
}

// ops returns a copy of the recorded log.
func (p *placeholder) ops() []op {
	return slices.Clone(p.log)
}

// drain returns the recorded log and empties it.
func (p *placeholder) drain() []op {
	ops := p.log
	p.log = nil
	return ops
}
