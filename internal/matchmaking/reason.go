package matchmaking

import "fmt"

// StopReason tells listeners why a session was removed.
type StopReason int

const (
	ReasonNone StopReason = iota
	// ReasonExpired: every remaining join ran out.
	ReasonExpired
	// ReasonCanceled: the last participant left.
	ReasonCanceled
	// ReasonJoinedOther: a participant completed a match elsewhere.
	ReasonJoinedOther
	// ReasonJoined: the session filled up and became a match.
	ReasonJoined
)

// The constants are declared in ascending priority so Merge can compare them.

// Merge returns the more significant of two reasons.
func (r StopReason) Merge(other StopReason) StopReason {
	if other > r {
		return other
	}
	return r
}

func (r StopReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonCanceled:
		return "canceled"
	case ReasonJoinedOther:
		return "joined_other"
	case ReasonJoined:
		return "joined"
	default:
		return "none"
	}
}

// MarshalText renders the reason by name in JSON payloads.
func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (r *StopReason) UnmarshalText(text []byte) error {
	for _, reason := range []StopReason{ReasonNone, ReasonExpired, ReasonCanceled, ReasonJoinedOther, ReasonJoined} {
		if reason.String() == string(text) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("matchmaking: unknown stop reason %q", text)
}
