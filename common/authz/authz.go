// Package authz provides the permission checks applied by the engine before every call.
package authz

import (
	"context"
	"log/slog"
	"slices"

	"gitlab.com/shar-workflow/taskflow/model"
)

// Action names an engine operation subject to authorization.
type Action string

const (
	ActionAddModel        Action = "model.add"         // ActionAddModel publishes a process model.
	ActionGetModel        Action = "model.get"         // ActionGetModel reads a process model.
	ActionStartProcess    Action = "process.start"     // ActionStartProcess instantiates a process model.
	ActionGetInstance     Action = "process.get"       // ActionGetInstance reads a process instance and its node instances.
	ActionCancelInstance  Action = "process.cancel"    // ActionCancelInstance cancels a process instance.
	ActionCancelAll       Action = "process.cancelAll" // ActionCancelAll cancels every process instance.
	ActionPurgeInstance   Action = "process.purge"     // ActionPurgeInstance removes a finished process instance.
	ActionUpdateTaskState Action = "task.update"       // ActionUpdateTaskState moves a node instance along its lifecycle.
	ActionFinishTask      Action = "task.finish"       // ActionFinishTask completes a node instance.
	ActionFailTask        Action = "task.fail"         // ActionFailTask fails a node instance.
)

// Request is a single permission check.
type Request struct {
	Action    Action
	Principal model.Principal
	// TargetOwner is the owner of the record being acted on, empty when there is none.
	TargetOwner model.Principal
}

// Func decides whether a request is permitted.
type Func func(ctx context.Context, req Request) (bool, error)

// AllowAll permits every request.  It logs a warning when first constructed.
func AllowAll() Func {
	slog.Warn("No authorization policy configured.  All operations are permitted.")
	return func(context.Context, Request) (bool, error) {
		return true, nil
	}
}

// OwnerOnly permits a principal to act on records it owns.  Admins may act on anything.
// Requests with no target owner are permitted to any principal.
func OwnerOnly(admins ...model.Principal) Func {
	return func(_ context.Context, req Request) (bool, error) {
		if slices.Contains(admins, req.Principal) {
			return true, nil
		}
		if req.Action == ActionCancelAll {
			return false, nil
		}
		return req.TargetOwner == "" || req.TargetOwner == req.Principal, nil
	}
}
