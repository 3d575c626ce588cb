package validate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const valid = `
name: review
nodes:
  - id: start
    kind: start
    next: [check]
  - id: check
    kind: activity
    service: docs
    endpoint: review
    condition: pages > 10
    next: [end]
  - id: end
    kind: end
`

func write(t *testing.T, name string, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestValidate(t *testing.T) {
	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetErr(&out)
	Cmd.SetArgs([]string{write(t, "review.yaml", valid)})
	require.NoError(t, Cmd.Execute())
	assert.Contains(t, out.String(), "docs/review if pages > 10")
	assert.Contains(t, out.String(), "review")
}

func TestValidateReportsInvalid(t *testing.T) {
	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetErr(&out)
	Cmd.SetArgs([]string{write(t, "bad.yaml", "name: bad\nnodes: []\n")})
	assert.Error(t, Cmd.Execute())
	assert.Contains(t, out.String(), "bad.yaml")
}
