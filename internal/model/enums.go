package model

// SessionStatus is the durable record's state.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusInactive SessionStatus = "inactive"
)

// ConnStatus is the live connection state of a registry entry.
type ConnStatus string

const (
	ConnStatusOffline    ConnStatus = "offline"
	ConnStatusConnecting ConnStatus = "connecting"
	ConnStatusOnline     ConnStatus = "online"
)

// CloseReason classifies a protocol-level disconnect.
type CloseReason string

const (
	// CloseLoggedOut means the user unlinked the device; credentials are dead.
	CloseLoggedOut CloseReason = "logged_out"
	// CloseReplaced means another connection took over this identity.
	CloseReplaced CloseReason = "replaced"
	// CloseTransient covers everything else: network drops, server restarts.
	CloseTransient CloseReason = "transient"
)

// CloseAction is what the lifecycle manager does about a disconnect.
type CloseAction string

const (
	ActionDeleteFull    CloseAction = "delete_full"
	ActionNoRetry       CloseAction = "no_retry"
	ActionScheduleRetry CloseAction = "schedule_retry"
)

var closeActions = map[CloseReason]CloseAction{
	CloseLoggedOut: ActionDeleteFull,
	CloseReplaced:  ActionNoRetry,
	CloseTransient: ActionScheduleRetry,
}

// ActionFor maps a close reason to the manager's response. Unknown reasons
// are treated as transient.
func ActionFor(reason CloseReason) CloseAction {
	if action, ok := closeActions[reason]; ok {
		return action
	}
	return ActionScheduleRetry
}
