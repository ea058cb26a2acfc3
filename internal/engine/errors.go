package engine

import "fmt"

// Rejection is the domain-rejection signal: the move is invalid under the
// rules, the authoritative state is unchanged, and Reason is suitable for
// showing to the submitting participant.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}
