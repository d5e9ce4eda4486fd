// Package auth is the permission kernel: one predicate deciding whether
// a user may perform an action. Every mutating request goes through
// Authorize before touching any other component.
package auth

import (
	"errors"

	"jackdaw/hub/internal/store"
)

// Action names one operation subject to the permission policy.
type Action string

const (
	ActionRegister    Action = "register"
	ActionLogin       Action = "login"
	ActionListRooms   Action = "list_rooms"
	ActionCreateRoom  Action = "create_room"
	ActionDeleteRoom  Action = "delete_room"
	ActionJoinRoom    Action = "join_room"
	ActionLeaveRoom   Action = "leave_room"
	ActionViewGraph   Action = "view_graph"
	ActionMutateGraph Action = "mutate_graph"
	ActionListUsers   Action = "list_users"
	ActionGrantAccess Action = "grant_access"
)

var (
	// ErrUnauthenticated means no valid session accompanied the request.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the session is valid but the action is not
	// allowed for this user.
	ErrForbidden = errors.New("forbidden")
	// ErrRoomCreationDisabled is the deny reason for room create and
	// delete while the hub runs in single-room mode.
	ErrRoomCreationDisabled = errors.New("room creation disabled")
)

// Kernel evaluates the permission policy. The zero value is a multi-room
// kernel.
type Kernel struct {
	// SingleRoomMode disables room creation and deletion wholesale.
	SingleRoomMode bool
}

// Authorize decides whether user may perform action. user is nil for
// unauthenticated requests. The owner bit is immutable after creation
// and implies patchbay access; revoking access from a user who is
// currently routing leaves existing edges intact but denies further
// mutations.
func (k Kernel) Authorize(user *store.User, action Action) error {
	switch action {
	case ActionRegister, ActionLogin:
		return nil
	}

	if user == nil {
		return ErrUnauthenticated
	}

	switch action {
	case ActionListRooms, ActionJoinRoom, ActionLeaveRoom, ActionViewGraph:
		return nil
	case ActionCreateRoom, ActionDeleteRoom:
		if k.SingleRoomMode {
			return ErrRoomCreationDisabled
		}
		return nil
	case ActionMutateGraph:
		if user.IsOwner || user.HasPatchbayAccess {
			return nil
		}
		return ErrForbidden
	case ActionListUsers, ActionGrantAccess:
		if user.IsOwner {
			return nil
		}
		return ErrForbidden
	}
	return ErrForbidden
}
