package types

// Identity is an opaque participant identifier minted by the directory.
// Zero is never a valid identity; it doubles as "no participant".
type Identity uint32

// SessionID identifies a lobby. Zero means "no session".
type SessionID uint32

// ErrorCode is the closed set of protocol error codes.
type ErrorCode int

const (
	CodeNone                 ErrorCode = 0 // unused / default
	CodeNoOp                 ErrorCode = 1
	CodeReconnectFailed      ErrorCode = 2
	CodeRegistrationRejected ErrorCode = 3
	CodeInvalidArguments     ErrorCode = 4
	CodeNotPermitted         ErrorCode = 5
	CodeServerFailure        ErrorCode = 6
	CodeMoveRejected         ErrorCode = 7
)

// ParticipantInfo is the wire-visible slice of a participant record.
type ParticipantInfo struct {
	Identity    Identity `json:"identity"`
	DisplayName string   `json:"display_name"`
}

// SessionDescriptor is an immutable snapshot of a session's roster,
// produced on demand for directory listings and join/leave events.
// Invariant: len(Participants) <= Capacity.
type SessionDescriptor struct {
	SessionID    SessionID         `json:"session_id"`
	Capacity     int               `json:"capacity"`
	ExpertMode   bool              `json:"expert_mode"`
	Participants []ParticipantInfo `json:"participants"`
}

// MaxDisplayNameLength bounds registration names.
const MaxDisplayNameLength = 32

// IsValidDisplayName reports whether a name is acceptable for registration:
// non-empty, at most MaxDisplayNameLength runes, printable, no leading or
// trailing spaces.
func IsValidDisplayName(name string) bool {
	if name == "" || len([]rune(name)) > MaxDisplayNameLength {
		return false
	}
	if name[0] == ' ' || name[len(name)-1] == ' ' {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// IsValidCapacity reports whether a requested session capacity is allowed.
func IsValidCapacity(capacity int) bool {
	return capacity == 2 || capacity == 3
}
