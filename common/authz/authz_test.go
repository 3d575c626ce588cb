package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerOnly(t *testing.T) {
	fn := OwnerOnly("root")
	tests := map[string]struct {
		req  Request
		want bool
	}{
		"owner":            {req: Request{Action: ActionGetInstance, Principal: "alice", TargetOwner: "alice"}, want: true},
		"other":            {req: Request{Action: ActionGetInstance, Principal: "bob", TargetOwner: "alice"}, want: false},
		"admin":            {req: Request{Action: ActionCancelInstance, Principal: "root", TargetOwner: "alice"}, want: true},
		"no target":        {req: Request{Action: ActionAddModel, Principal: "bob"}, want: true},
		"cancel all":       {req: Request{Action: ActionCancelAll, Principal: "bob"}, want: false},
		"admin cancel all": {req: Request{Action: ActionCancelAll, Principal: "root"}, want: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ok, err := fn(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll()(context.Background(), Request{Action: ActionCancelAll, Principal: "anyone"})
	require.NoError(t, err)
	assert.True(t, ok)
}
