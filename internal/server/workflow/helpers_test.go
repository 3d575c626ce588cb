package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/taskflow/internal/server/messaging"
	"gitlab.com/shar-workflow/taskflow/model"
)

const (
	alice model.Principal = "alice"
	bob   model.Principal = "bob"
)

// graph builds process models for tests.
type graph struct {
	p *model.Process
}

func newGraph(name string) *graph {
	return &graph{p: &model.Process{Name: name}}
}

func (g *graph) add(n *model.Node) *graph {
	g.p.Nodes = append(g.p.Nodes, n)
	return g
}

func (g *graph) start(id string) *graph {
	return g.add(&model.Node{ID: id, Kind: model.NodeKindStart})
}

func (g *graph) end(id string) *graph {
	return g.add(&model.Node{ID: id, Kind: model.NodeKindEnd})
}

func (g *graph) split(id string) *graph {
	return g.add(&model.Node{ID: id, Kind: model.NodeKindSplit})
}

func (g *graph) join(id string, minimum, maximum int) *graph {
	return g.add(&model.Node{ID: id, Kind: model.NodeKindJoin, Join: &model.JoinData{Min: minimum, Max: maximum}})
}

func (g *graph) activity(id string, opts ...func(a *model.ActivityData)) *graph {
	a := &model.ActivityData{Message: model.MessageTemplate{ServiceID: "svc", EndpointID: "work"}}
	for _, o := range opts {
		o(a)
	}
	return g.add(&model.Node{ID: id, Kind: model.NodeKindActivity, Activity: a})
}

func (g *graph) edge(from string, to ...string) *graph {
	src, _ := g.p.Node(from)
	for _, id := range to {
		dst, _ := g.p.Node(id)
		src.Successors = append(src.Successors, id)
		dst.Predecessors = append(dst.Predecessors, from)
	}
	return g
}

func autoComplete(a *model.ActivityData) {
	a.Message.AutoComplete = true
}

func condition(exp string) func(a *model.ActivityData) {
	return func(a *model.ActivityData) {
		a.Condition = exp
	}
}

func endpoint(id string) func(a *model.ActivityData) {
	return func(a *model.ActivityData) {
		a.Message.EndpointID = id
	}
}

// fakeTransport answers sends with a function.
type fakeTransport struct {
	send func(ctx context.Context, msg *model.Message) (*messaging.Response, error)
}

func (f *fakeTransport) Register(context.Context, model.Endpoint) error {
	return nil
}

func (f *fakeTransport) Unregister(context.Context, model.Endpoint) error {
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg *model.Message) (*messaging.Response, error) {
	return f.send(ctx, msg)
}

// newGateway creates a gateway with the svc/work endpoint registered.  A nil transport leaves dispatches queued.
func newGateway(t *testing.T, tr messaging.Transport, opts ...messaging.Option) *messaging.Gateway {
	ctx := context.Background()
	if tr != nil {
		opts = append(opts, messaging.WithTransport(tr))
	}
	gw, err := messaging.New(ctx, opts...)
	require.NoError(t, err)
	require.NoError(t, gw.RegisterEndpoint(ctx, model.Endpoint{ServiceID: "svc", EndpointID: "work", Address: "local"}))
	return gw
}

func newEngine(t *testing.T, gw *messaging.Gateway, opts ...Option) *Engine {
	if gw == nil {
		gw = newGateway(t, nil)
	}
	e, err := New(context.Background(), append([]Option{WithGateway(gw)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close(context.Background()))
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
	})
	return e
}

func encodeVars(t *testing.T, m map[string]any) []byte {
	v, err := model.VarsFrom(m)
	require.NoError(t, err)
	b, err := v.Encode(context.Background())
	require.NoError(t, err)
	return b
}

func decodeVars(t *testing.T, b []byte) *model.Vars {
	v, err := model.DecodeVars(context.Background(), b)
	require.NoError(t, err)
	return v
}

func mustStart(t *testing.T, e *Engine, proc *model.Process, vars []byte) int64 {
	ctx := context.Background()
	mh, err := e.AddModel(ctx, proc, alice)
	require.NoError(t, err)
	h, err := e.StartProcess(ctx, mh, proc.Name+"-1", vars, alice)
	require.NoError(t, err)
	return h
}

// nodesOf groups the node instances of a process instance by node id.
func nodesOf(t *testing.T, e *Engine, h int64) map[string][]*model.NodeInstance {
	nis, err := e.NodeInstances(context.Background(), h, alice)
	require.NoError(t, err)
	ret := make(map[string][]*model.NodeInstance)
	for _, ni := range nis {
		ret[ni.NodeID] = append(ret[ni.NodeID], ni)
	}
	return ret
}

func single(t *testing.T, nodes map[string][]*model.NodeInstance, id string) *model.NodeInstance {
	require.Len(t, nodes[id], 1, "node instances of %s", id)
	return nodes[id][0]
}

func instanceState(t *testing.T, e *Engine, h int64) model.InstanceState {
	pi, err := e.GetInstance(context.Background(), h, alice)
	require.NoError(t, err)
	return pi.State
}

func eventuallyState(t *testing.T, e *Engine, h int64, want model.InstanceState) {
	assert.Eventually(t, func() bool {
		return instanceState(t, e, h) == want
	}, 5*time.Second, 10*time.Millisecond)
}

// gate lets a test observe and release sends.
type gate struct {
	once    sync.Once
	sent    chan *model.Message
	release chan struct{}
}

func newGate() *gate {
	return &gate{sent: make(chan *model.Message, 16), release: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gate) waitSent(t *testing.T) *model.Message {
	select {
	case m := <-g.sent:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("nothing was sent")
	}
	return nil
}
