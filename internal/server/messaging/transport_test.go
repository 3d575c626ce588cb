package messaging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/internal/natstest"
	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

func TestNatsTransport(t *testing.T) {
	ctx := context.Background()
	nc, _ := natstest.Connect(t)
	sub, err := nc.Subscribe("billing.charge", func(m *nats.Msg) {
		reply := nats.NewMsg(m.Reply)
		reply.Header.Set("seen-cid", m.Header.Get(logx.CorrelationHeader))
		reply.Header.Set("seen-method", m.Header.Get(MethodHeader))
		if string(m.Data) == "bad" {
			reply.Header.Set(StatusHeader, "500")
			reply.Data = []byte("boom")
		} else if m.Header.Get(EnvelopeHeader) != "" {
			var env Envelope
			if err := msgpack.Unmarshal(m.Data, &env); err != nil {
				reply.Header.Set(StatusHeader, "400")
			}
			reply.Data = env.Attachments["file"]
		} else {
			reply.Data = append([]byte("ok:"), m.Data...)
		}
		_ = m.RespondMsg(reply)
	})
	require.NoError(t, err)
	defer func() {
		_ = sub.Unsubscribe()
	}()
	require.NoError(t, nc.Flush())

	tr := NewNatsTransport(nc, "", 2*time.Second)
	require.NoError(t, tr.Register(ctx, epA))
	require.NoError(t, tr.Register(ctx, model.Endpoint{ServiceID: "billing", EndpointID: "void"}))
	assert.Equal(t, "taskflow.endpoint.billing.void", tr.Subject(model.Endpoint{ServiceID: "billing", EndpointID: "void"}))

	msg := &model.Message{Destination: epA, Method: "charge", Body: []byte("42"), CorrelationID: "cid-1"}
	resp, err := tr.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok:42", string(resp.Body))
	assert.Contains(t, resp.Headers, model.Header{Name: "seen-cid", Value: "cid-1"})
	assert.Contains(t, resp.Headers, model.Header{Name: "seen-method", Value: "charge"})

	msg.Attachments = map[string][]byte{"file": []byte("contents")}
	resp, err = tr.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(resp.Body))

	_, err = tr.Send(ctx, &model.Message{Destination: epA, Body: []byte("bad")})
	var df *errors2.DispatchFailure
	require.ErrorAs(t, err, &df)
	assert.Equal(t, 500, df.Status)

	_, err = tr.Send(ctx, &model.Message{Destination: model.Endpoint{ServiceID: "billing", EndpointID: "void"}})
	require.ErrorAs(t, err, &df)
	assert.Equal(t, 503, df.Status)

	require.NoError(t, tr.Unregister(ctx, epA))
	_, err = tr.Send(ctx, &model.Message{Destination: epA})
	assert.ErrorIs(t, err, errors2.ErrUnknownEndpoint)
}

func TestHTTPTransport(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			b, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Seen-Cid", r.Header.Get(CorrelationHTTPHeader))
			_, _ = w.Write(append([]byte(r.Method+":"), b...))
		case "/form":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f, _, err := r.FormFile("attachment.file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			b, _ := io.ReadAll(f)
			_, _ = w.Write(b)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	ok := model.Endpoint{ServiceID: "web", EndpointID: "ok", Address: srv.URL + "/ok"}
	form := model.Endpoint{ServiceID: "web", EndpointID: "form", Address: srv.URL + "/form"}
	missing := model.Endpoint{ServiceID: "web", EndpointID: "missing", Address: srv.URL + "/missing"}
	for _, ep := range []model.Endpoint{ok, form, missing} {
		require.NoError(t, tr.Register(ctx, ep))
	}
	require.Error(t, tr.Register(ctx, model.Endpoint{ServiceID: "web", EndpointID: "bad", Address: "nats:x"}))

	resp, err := tr.Send(ctx, &model.Message{Destination: ok, Body: []byte("hi"), CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "POST:hi", string(resp.Body))
	assert.Contains(t, resp.Headers, model.Header{Name: "X-Seen-Cid", Value: "c1"})

	resp, err = tr.Send(ctx, &model.Message{Destination: ok, Method: http.MethodPut})
	require.NoError(t, err)
	assert.Equal(t, "PUT:", string(resp.Body))

	resp, err = tr.Send(ctx, &model.Message{Destination: form, Body: []byte("b"), Attachments: map[string][]byte{"file": []byte("data")}})
	require.NoError(t, err)
	assert.Equal(t, "data", string(resp.Body))

	_, err = tr.Send(ctx, &model.Message{Destination: missing})
	var df *errors2.DispatchFailure
	require.ErrorAs(t, err, &df)
	assert.Equal(t, http.StatusNotFound, df.Status)
}
