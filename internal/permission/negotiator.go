package permission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/store"
)

// Surface is the host side of the permission model. The prompt methods block
// until the user answers or ctx is done.
type Surface interface {
	HasPermission(p Permission) bool
	ShouldShowRationale(p Permission) bool
	ShowRationale(ctx context.Context, perms []Permission) (accepted bool, err error)
	Request(ctx context.Context, perms []Permission) (granted []Permission, err error)
	// ShowBlocked explains that the permission is blocked and offers to open
	// the system settings. It returns once the user dismisses the dialog or
	// comes back from settings.
	ShowBlocked(ctx context.Context, perms []Permission) (openedSettings bool, err error)
}

type Outcome int

const (
	OutcomeGranted Outcome = iota
	OutcomeDenied
	OutcomePermanentlyDenied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeDenied:
		return "denied"
	default:
		return "permanently_denied"
	}
}

// Err maps the outcome onto the failure taxonomy, nil when granted.
func (o Outcome) Err() error {
	switch o {
	case OutcomeGranted:
		return nil
	case OutcomeDenied:
		return locus.ErrPermissionDenied
	default:
		return locus.ErrPermissionPermanentlyDenied
	}
}

// Negotiator runs one permission pass: decide, prompt if needed, interpret
// the answer.
type Negotiator struct {
	surface Surface
	flags   store.FlagStore
	policy  Policy
	log     zerolog.Logger
}

func NewNegotiator(surface Surface, flags store.FlagStore, policy Policy, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		surface: surface,
		flags:   flags,
		policy:  policy,
		log:     logger.With().Str("module", "permission").Logger(),
	}
}

func (n *Negotiator) Policy() Policy {
	return n.policy
}

func (n *Negotiator) HasAll(perms []Permission) bool {
	for _, p := range perms {
		if !n.surface.HasPermission(p) {
			return false
		}
	}
	return true
}

func (n *Negotiator) anyRationale(perms []Permission) bool {
	for _, p := range perms {
		if n.surface.ShouldShowRationale(p) {
			return true
		}
	}
	return false
}

// State derives the current state of the permission set without prompting.
func (n *Negotiator) State(ctx context.Context, perms []Permission) State {
	return n.policy.Derive(n.HasAll(perms), n.anyRationale(perms), n.loadFlags(ctx, perms))
}

type pass struct {
	n            *Negotiator
	perms        []Permission
	flags        store.Flags
	beforePrompt func(context.Context) error
	prompted     bool
}

// Negotiate runs one pass over perms. beforePrompt, when set, is called once
// before the first user-facing prompt of the pass and may block; an error
// from it aborts the pass. A non-nil error is always paired with
// OutcomeDenied.
func (n *Negotiator) Negotiate(ctx context.Context, perms []Permission, beforePrompt func(context.Context) error) (Outcome, error) {
	if n.HasAll(perms) {
		return OutcomeGranted, nil
	}
	ps := &pass{n: n, perms: perms, flags: n.loadFlags(ctx, perms), beforePrompt: beforePrompt}
	d := Decide(false, n.anyRationale(perms), n.policy.IsFirstAsk(ps.flags))
	n.log.Debug().Strs("perms", names(perms)).Str("decision", d.String()).Msg("permission decision")

	switch d {
	case ShowRationale:
		if err := ps.prompt(ctx); err != nil {
			return OutcomeDenied, err
		}
		ok, err := n.surface.ShowRationale(ctx, perms)
		if err != nil {
			return OutcomeDenied, fmt.Errorf("rationale prompt: %w", err)
		}
		if !ok {
			n.log.Info().Strs("perms", names(perms)).Msg("rationale declined")
			return ps.afterDenial(ctx)
		}
		return ps.request(ctx)
	case Request:
		return ps.request(ctx)
	default:
		return ps.blocked(ctx)
	}
}

func (ps *pass) prompt(ctx context.Context) error {
	if ps.prompted || ps.beforePrompt == nil {
		ps.prompted = true
		return nil
	}
	ps.prompted = true
	return ps.beforePrompt(ctx)
}

func (ps *pass) request(ctx context.Context) (Outcome, error) {
	n := ps.n
	if err := ps.prompt(ctx); err != nil {
		return OutcomeDenied, err
	}
	ps.flags.Asked = true
	n.saveFlags(ctx, ps.perms, ps.flags)

	granted, err := n.surface.Request(ctx, ps.perms)
	if err != nil {
		return OutcomeDenied, fmt.Errorf("permission prompt: %w", err)
	}
	if containsAll(granted, ps.perms) || n.HasAll(ps.perms) {
		if ps.flags.SilentlyDenied {
			ps.flags.SilentlyDenied = false
			n.saveFlags(ctx, ps.perms, ps.flags)
		}
		n.log.Info().Strs("perms", names(ps.perms)).Msg("permission granted")
		return OutcomeGranted, nil
	}
	return ps.afterDenial(ctx)
}

func (ps *pass) afterDenial(ctx context.Context) (Outcome, error) {
	n := ps.n
	if n.anyRationale(ps.perms) {
		n.log.Info().Strs("perms", names(ps.perms)).Msg("permission denied")
		return OutcomeDenied, nil
	}
	if !n.policy.StrictSilentDenial && !ps.flags.SilentlyDenied {
		ps.flags.SilentlyDenied = true
		n.saveFlags(ctx, ps.perms, ps.flags)
		n.log.Info().Strs("perms", names(ps.perms)).Msg("permission denied without rationale, next denial is permanent")
		return OutcomeDenied, nil
	}
	return ps.blocked(ctx)
}

func (ps *pass) blocked(ctx context.Context) (Outcome, error) {
	n := ps.n
	if err := ps.prompt(ctx); err != nil {
		return OutcomeDenied, err
	}
	opened, err := n.surface.ShowBlocked(ctx, ps.perms)
	if err != nil {
		return OutcomeDenied, fmt.Errorf("blocked prompt: %w", err)
	}
	if opened && n.HasAll(ps.perms) {
		n.log.Info().Strs("perms", names(ps.perms)).Msg("permission granted from settings")
		return OutcomeGranted, nil
	}
	n.log.Info().Strs("perms", names(ps.perms)).Msg("permission permanently denied")
	return OutcomePermanentlyDenied, nil
}

func (n *Negotiator) loadFlags(ctx context.Context, perms []Permission) store.Flags {
	var out store.Flags
	for _, p := range perms {
		f, err := n.flags.Flags(ctx, string(p))
		if err != nil {
			n.log.Warn().Err(err).Str("perm", string(p)).Msg("cannot read permission flags")
			continue
		}
		out.Asked = out.Asked || f.Asked
		out.SilentlyDenied = out.SilentlyDenied || f.SilentlyDenied
	}
	return out
}

func (n *Negotiator) saveFlags(ctx context.Context, perms []Permission, f store.Flags) {
	for _, p := range perms {
		if err := n.flags.SetFlags(ctx, string(p), f); err != nil {
			n.log.Warn().Err(err).Str("perm", string(p)).Msg("cannot save permission flags")
		}
	}
}

func containsAll(set, want []Permission) bool {
	for _, w := range want {
		found := false
		for _, s := range set {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func names(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
