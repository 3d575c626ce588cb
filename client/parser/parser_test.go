package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

func TestParseFile(t *testing.T) {
	doc, err := ParseFile("testdata/order.yaml")
	require.NoError(t, err)

	p := doc.Process
	assert.Equal(t, "order", p.Name)
	assert.Equal(t, model.Principal("alice"), p.Owner)
	require.Len(t, p.Nodes, 6)

	merge, ok := p.Node("merge")
	require.True(t, ok)
	assert.Equal(t, model.NodeKindJoin, merge.Kind)
	assert.Equal(t, []string{"charge", "reserve"}, merge.Predecessors)
	lo, hi := merge.JoinThresholds()
	assert.Equal(t, 2, lo)
	assert.Equal(t, 2, hi)

	charge, ok := p.Node("charge")
	require.True(t, ok)
	assert.Equal(t, "billing", charge.Activity.Message.ServiceID)
	assert.Equal(t, "total > 0", charge.Activity.Condition)
	assert.Equal(t, []model.Header{{Name: "tenant", Value: "acme"}}, charge.Activity.Message.Headers)

	reserve, ok := p.Node("reserve")
	require.True(t, ok)
	assert.True(t, reserve.Activity.Message.AutoComplete)

	require.Len(t, doc.Endpoints, 2)
	assert.Equal(t, model.Endpoint{ServiceID: "stock", EndpointID: "reserve", Address: "http://stock.internal/reserve"}, doc.Endpoints[1])
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown kind": `
name: bad
nodes:
  - id: start
    kind: gateway
`,
		"undefined next": `
name: bad
nodes:
  - id: start
    kind: start
    next: [nowhere]
`,
		"duplicate id": `
name: bad
nodes:
  - id: start
    kind: start
    next: [end]
  - id: start
    kind: end
`,
		"missing end": `
name: bad
nodes:
  - id: start
    kind: start
    next: [a]
  - id: a
    kind: activity
    service: s
    endpoint: e
`,
		"incomplete endpoint": `
name: bad
nodes:
  - id: start
    kind: start
    next: [end]
  - id: end
    kind: end
endpoints:
  - service: s
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, errors2.ErrInvalidModel)
		})
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("name: bad\ncolour: blue\n"))
	assert.Error(t, err)
}
