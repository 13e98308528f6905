package matchmaking

import "playmatch/matchmaker/internal/store"

// Result is the outcome of a search or join. It is one of Waiting, Matched,
// Suggestions, FailedToJoin, FailedToSuggest or NoAction.
type Result interface {
	isResult()
	// Kind names the variant, e.g. for JSON payloads.
	Kind() string
}

// Waiting lists the sessions the caller now waits in.
type Waiting struct {
	Sessions []store.Session
}

// Matched carries the session the caller's join filled.
type Matched struct {
	Session store.Session
}

// Suggestions lists sessions the caller could join. AllowWait reports whether
// opening a new waiting session is still offered.
type Suggestions struct {
	Sessions  []store.Session
	AllowWait bool
}

// FailedToJoin means the target session vanished or filled up first.
type FailedToJoin struct{}

// FailedToSuggest means suggestions could not be presented to the caller.
type FailedToSuggest struct {
	Suggestions Suggestions
}

// NoAction means there was nothing to do.
type NoAction struct{}

func (Waiting) isResult()         {}
func (Matched) isResult()         {}
func (Suggestions) isResult()     {}
func (FailedToJoin) isResult()    {}
func (FailedToSuggest) isResult() {}
func (NoAction) isResult()        {}

func (Waiting) Kind() string         { return "waiting" }
func (Matched) Kind() string         { return "matched" }
func (Suggestions) Kind() string     { return "suggestions" }
func (FailedToJoin) Kind() string    { return "failed_to_join" }
func (FailedToSuggest) Kind() string { return "failed_to_suggest" }
func (NoAction) Kind() string        { return "no_action" }
