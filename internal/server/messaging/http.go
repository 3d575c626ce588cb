package messaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"

	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/common/telemetry"
	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// CorrelationHTTPHeader carries the correlation id of an HTTP dispatch.
const CorrelationHTTPHeader = "X-Correlation-Id"

// HTTPTransport posts messages to endpoint addresses.
// Messages with attachments are sent as multipart forms with the body in a part named "body".
type HTTPTransport struct {
	client *http.Client

	mu        sync.RWMutex
	addresses map[model.EndpointKey]string
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport using client, or http.DefaultClient when nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		client:    client,
		addresses: make(map[model.EndpointKey]string),
	}
}

// Register validates and records the URL of an endpoint.
func (t *HTTPTransport) Register(_ context.Context, ep model.Endpoint) error {
	u, err := url.Parse(ep.Address)
	if err != nil {
		return fmt.Errorf("parse address of %s: %w", ep.Key(), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q of %s is not an http url", ep.Address, ep.Key())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[ep.Key()] = u.String()
	return nil
}

// Unregister forgets an endpoint.
func (t *HTTPTransport) Unregister(_ context.Context, ep model.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addresses, ep.Key())
	return nil
}

func encodeBody(msg *model.Message) (io.Reader, string, error) {
	if len(msg.Attachments) == 0 {
		return bytes.NewReader(msg.Body), "application/octet-stream", nil
	}
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	parts := map[string][]byte{"body": msg.Body}
	for k, v := range msg.Attachments {
		parts["attachment."+k] = v
	}
	for name, data := range parts {
		pw, err := w.CreateFormFile(name, name)
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// Send performs the request.  Non 2xx replies are dispatch failures carrying the status code.
func (t *HTTPTransport) Send(ctx context.Context, msg *model.Message) (*Response, error) {
	t.mu.RLock()
	addr, ok := t.addresses[msg.Destination.Key()]
	t.mu.RUnlock()
	if !ok {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("%s: %w", msg.Destination.Key(), errors2.ErrUnknownEndpoint)}
	}
	method := msg.Method
	if method == "" {
		method = http.MethodPost
	}
	body, contentType, err := encodeBody(msg)
	if err != nil {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("encode body: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, method, addr, body)
	if err != nil {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	for _, h := range msg.Headers {
		req.Header.Add(h.Name, h.Value)
	}
	req.Header.Set(CorrelationHTTPHeader, msg.CorrelationID)
	telemetry.CtxToHTTPHeader(ctx, req.Header)
	res, err := t.client.Do(req)
	if err != nil {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("%s %s: %w", method, addr, err)}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("read response: %w", err), Status: res.StatusCode}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		logx.FromContext(ctx).Debug("endpoint rejected request", "status", res.StatusCode, "url", addr)
		return nil, &errors2.DispatchFailure{Cause: fmt.Errorf("%s %s: %s", method, addr, res.Status), Status: res.StatusCode}
	}
	resp := &Response{Status: res.StatusCode, Body: b}
	for name, vals := range res.Header {
		for _, v := range vals {
			resp.Headers = append(resp.Headers, model.Header{Name: name, Value: v})
		}
	}
	return resp, nil
}
