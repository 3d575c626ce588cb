package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

var eng = &ExprEngine{}

func TestPositive(t *testing.T) {
	ctx := context.Background()
	vrs := make(map[string]interface{})
	res, err := Eval[bool](ctx, eng, "97 == 97", vrs)
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestNoVariable(t *testing.T) {
	ctx := context.Background()
	vrs := make(map[string]interface{})
	res, err := Eval[bool](ctx, eng, "a == 4.5", vrs)
	assert.NoError(t, err)
	assert.Equal(t, false, res)
}

func TestVariable(t *testing.T) {
	ctx := context.Background()
	vrs := make(map[string]interface{})
	vrs["a"] = 4.5
	res, err := Eval[bool](ctx, eng, "=a == 4.5", vrs)
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestCondition(t *testing.T) {
	ctx := context.Background()
	tests := map[string]struct {
		exp     string
		vars    map[string]interface{}
		want    bool
		wantErr bool
	}{
		"empty":    {exp: "", want: true},
		"true":     {exp: "amount > 10", vars: map[string]interface{}{"amount": int64(20)}, want: true},
		"false":    {exp: "amount > 10", vars: map[string]interface{}{"amount": int64(5)}, want: false},
		"not bool": {exp: "amount + 1", vars: map[string]interface{}{"amount": int64(5)}, wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Condition(ctx, eng, tt.exp, tt.vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrorIsFatal(t *testing.T) {
	_, err := Condition(context.Background(), eng, "a ==", nil)
	require.Error(t, err)
	assert.True(t, errors2.IsWorkflowFatal(err))
	assert.Error(t, eng.Check(context.Background(), "a =="))
	assert.NoError(t, eng.Check(context.Background(), "a == 1"))
}

func TestGetVariables(t *testing.T) {
	v, err := GetVariables(context.Background(), eng, "a > b && c")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Variable{{Name: "a"}, {Name: "b"}, {Name: "c"}}, v)
}
