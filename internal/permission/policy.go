package permission

import "nuha.dev/locus/internal/store"

type Permission string

const (
	Location   Permission = "location"
	Background Permission = "location.background"
)

type Status int

const (
	NotRequested Status = iota
	Granted
	Denied
	PermanentlyDenied
)

func (s Status) String() string {
	switch s {
	case NotRequested:
		return "not_requested"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "permanently_denied"
	}
}

// State is recomputed on every pass from the platform grant, the rationale
// signal and the stored flags. CanAskAgain is only meaningful for Denied.
type State struct {
	Status      Status
	CanAskAgain bool
}

// Policy holds the one tunable of the permission model: what a denial without
// a rationale signal means the first time it is seen. By default the first
// occurrence is reported as Denied and only a later one as PermanentlyDenied.
// With StrictSilentDenial the first occurrence is already permanent.
type Policy struct {
	StrictSilentDenial bool
}

// IsFirstAsk reports whether a prompt may still be issued without a
// rationale, given what has been stored about earlier prompts.
func (p Policy) IsFirstAsk(f store.Flags) bool {
	if !f.Asked {
		return true
	}
	return !p.StrictSilentDenial && !f.SilentlyDenied
}

func (p Policy) Derive(has, rationale bool, f store.Flags) State {
	switch {
	case has:
		return State{Status: Granted}
	case rationale:
		return State{Status: Denied, CanAskAgain: true}
	case !f.Asked:
		return State{Status: NotRequested}
	case p.IsFirstAsk(f):
		return State{Status: Denied, CanAskAgain: true}
	default:
		return State{Status: PermanentlyDenied}
	}
}

type Decision int

const (
	Proceed Decision = iota
	ShowRationale
	Request
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case ShowRationale:
		return "show_rationale"
	case Request:
		return "request"
	default:
		return "permanently_denied"
	}
}

// Decide is the pure decision table of the permission model.
func Decide(hasPermission, shouldShowRationale, isFirstAsk bool) Decision {
	switch {
	case hasPermission:
		return Proceed
	case shouldShowRationale:
		return ShowRationale
	case isFirstAsk:
		return Request
	default:
		return Blocked
	}
}
