package types

import "encoding/json"

// Kind discriminates the closed set of wire message kinds. The receiving
// component (directory or session) matches on it directly; there is no open
// dispatch hierarchy.
type Kind string

// Requests handled in directory scope.
const (
	KindRegister      Kind = "register"
	KindHeartbeat     Kind = "heartbeat"
	KindCreateSession Kind = "create_session"
	KindJoinSession   Kind = "join_session"
	KindListSessions  Kind = "list_sessions"
)

// Requests handled in session scope.
const (
	KindLeave           Kind = "leave"
	KindToggleReadiness Kind = "toggle_readiness"
	KindPlayCard        Kind = "play_card"
	KindStudentToHall   Kind = "student_to_hall"
	KindStudentToIsland Kind = "student_to_island"
	KindMoveMarker      Kind = "move_marker"
	KindChooseResource  Kind = "choose_resource"
	KindActivateSpecial Kind = "activate_special"
	KindResyncRequest   Kind = "resync_request"
)

// Events emitted by the server.
const (
	KindAck             Kind = "ack"
	KindError           Kind = "error"
	KindSessionSnapshot Kind = "session_snapshot"
	KindReadinessVector Kind = "readiness_vector"
	KindSessionsList    Kind = "sessions_list"
	KindGameStarted     Kind = "game_started"
	KindResourceUpdate  Kind = "resource_update"
	KindSpecialUpdate   Kind = "special_state_update"
	KindMoveAccepted    Kind = "move_accepted"
	KindRevert          Kind = "revert"
	KindTurnSkipped     Kind = "turn_skipped"
	KindGameEnded       Kind = "game_ended"
)

// IsMove reports whether a kind is one of the six submit-move requests.
// The same kinds double as move broadcasts, distinguished by a non-zero
// Actor field.
func (k Kind) IsMove() bool {
	switch k {
	case KindPlayCard, KindStudentToHall, KindStudentToIsland,
		KindMoveMarker, KindChooseResource, KindActivateSpecial:
		return true
	}
	return false
}

// Envelope is the single wire message shape. Each kind reads only the fields
// relevant to it; everything else stays at the zero value and is omitted from
// the encoding. Envelopes are built once by the sender and never mutated.
type Envelope struct {
	ID   string `json:"id,omitempty"` // sender-chosen correlation id for moves
	Kind Kind   `json:"kind"`

	// Registration.
	PrevIdentity Identity `json:"prev_identity,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`

	// Session management.
	Capacity   int       `json:"capacity,omitempty"`
	ExpertMode bool      `json:"expert_mode,omitempty"`
	SessionID  SessionID `json:"session_id,omitempty"`

	// Move arguments. Indexes are small and zero-based; the engine validates
	// ranges, the envelope does not.
	Actor         Identity `json:"actor,omitempty"` // set on broadcasts only
	CardIndex     int      `json:"card_index,omitempty"`
	StudentIndex  int      `json:"student_index,omitempty"`
	IslandIndex   int      `json:"island_index,omitempty"`
	Steps         int      `json:"steps,omitempty"`
	ResourceIndex int      `json:"resource_index,omitempty"`
	EffectIndex   int      `json:"effect_index,omitempty"`
	EffectArgs    []int    `json:"effect_args,omitempty"`

	// Server event payloads.
	Identity   Identity           `json:"identity,omitempty"`
	Code       ErrorCode          `json:"code,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Descriptor *SessionDescriptor `json:"descriptor,omitempty"`
	Sessions   []SessionDescriptor `json:"sessions,omitempty"`
	Ready      []bool             `json:"ready,omitempty"`
	Snapshot   json.RawMessage    `json:"snapshot,omitempty"`
	Winner     Identity           `json:"winner,omitempty"`
	Skipped    Identity           `json:"skipped,omitempty"`
}

// Errorf builds an error event for the given code.
func Errorf(code ErrorCode, reason string) *Envelope {
	return &Envelope{Kind: KindError, Code: code, Reason: reason}
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame into an envelope. A frame without a kind is
// rejected so that empty or foreign JSON cannot masquerade as a message.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Kind == "" {
		return nil, ErrMissingKind
	}
	return &e, nil
}
