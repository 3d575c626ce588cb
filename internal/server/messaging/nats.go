package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/common/telemetry"
	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

const (
	// StatusHeader carries the remote status code of a reply.  Values of 400 and above are failures.
	StatusHeader = "status"
	// MethodHeader carries the message method.
	MethodHeader = "method"
	// EnvelopeHeader marks a body that is a msgpack encoded Envelope.
	EnvelopeHeader = "envelope"
)

// DefaultSubjectPrefix prefixes derived endpoint subjects.
const DefaultSubjectPrefix = "taskflow.endpoint"

// Envelope carries a body together with its attachments when a message has attachments.
type Envelope struct {
	Body        []byte
	Attachments map[string][]byte
}

// NatsTransport sends messages as NATS requests and waits for the reply.
// An endpoint address of the form nats:<subject> names its subject, otherwise the subject is
// derived from the prefix, service id and endpoint id.
type NatsTransport struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration

	mu       sync.RWMutex
	subjects map[model.EndpointKey]string
}

var _ Transport = (*NatsTransport)(nil)

// NewNatsTransport creates a transport over an established connection.
// timeout bounds each request when the send context has no deadline.
func NewNatsTransport(conn *nats.Conn, prefix string, timeout time.Duration) *NatsTransport {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NatsTransport{
		conn:     conn,
		prefix:   prefix,
		timeout:  timeout,
		subjects: make(map[model.EndpointKey]string),
	}
}

// Subject returns the subject messages for an endpoint are sent to.
func (t *NatsTransport) Subject(ep model.Endpoint) string {
	if s, ok := strings.CutPrefix(ep.Address, "nats:"); ok {
		return strings.TrimPrefix(s, "//")
	}
	return t.prefix + "." + ep.ServiceID + "." + ep.EndpointID
}

// Register records the subject of an endpoint.
func (t *NatsTransport) Register(_ context.Context, ep model.Endpoint) error {
	subject := t.Subject(ep)
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return fmt.Errorf("invalid subject %q for endpoint %s", subject, ep.Key())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subjects[ep.Key()] = subject
	return nil
}

// Unregister forgets an endpoint.
func (t *NatsTransport) Unregister(_ context.Context, ep model.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subjects, ep.Key())
	return nil
}

// Send issues a request to the endpoint subject and converts the reply.
func (t *NatsTransport) Send(ctx context.Context, msg *model.Message) (*Response, error) {
	t.mu.RLock()
	subject, ok := t.subjects[msg.Destination.Key()]
	t.mu.RUnlock()
	if !ok {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("%s: %w", msg.Destination.Key(), errors2.ErrUnknownEndpoint)}
	}
	m := nats.NewMsg(subject)
	for _, h := range msg.Headers {
		m.Header.Add(h.Name, h.Value)
	}
	m.Header.Set(logx.CorrelationHeader, msg.CorrelationID)
	telemetry.CtxToNatsMsg(ctx, m)
	if msg.Method != "" {
		m.Header.Set(MethodHeader, msg.Method)
	}
	m.Data = msg.Body
	if len(msg.Attachments) > 0 {
		b, err := msgpack.Marshal(&Envelope{Body: msg.Body, Attachments: msg.Attachments})
		if err != nil {
			return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("encode envelope: %w", err)}
		}
		m.Data = b
		m.Header.Set(EnvelopeHeader, "msgpack")
	}
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	res, err := t.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("no responders on %s: %w", subject, err), Status: 503}
		}
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("request %s: %w", subject, err)}
	}
	resp := &Response{Status: 200, Body: res.Data}
	for name, vals := range res.Header {
		for _, v := range vals {
			resp.Headers = append(resp.Headers, model.Header{Name: name, Value: v})
		}
	}
	if s := res.Header.Get(StatusHeader); s != "" {
		code, err := strconv.Atoi(s)
		if err != nil {
			return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("invalid status header %q from %s", s, subject)}
		}
		resp.Status = code
	}
	if resp.Status >= 400 {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("%s replied: %s", subject, res.Data), Status: resp.Status}
	}
	return resp, nil
}
