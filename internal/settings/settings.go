package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
)

type Kind int

const (
	Satisfied Kind = iota
	Resolvable
	Unresolvable
)

func (k Kind) String() string {
	switch k {
	case Satisfied:
		return "satisfied"
	case Resolvable:
		return "resolvable"
	default:
		return "unresolvable"
	}
}

// Token identifies what the user is asked to change. It is opaque to the
// gate and handed back to the resolution prompt unchanged.
type Token string

type State struct {
	Kind  Kind
	Token Token
	Cause error
}

func SatisfiedState() State {
	return State{Kind: Satisfied}
}

func ResolvableState(t Token) State {
	return State{Kind: Resolvable, Token: t}
}

// UnresolvableState reports settings that cannot be fixed by a prompt. A cause
// built with locus.BackendFailure means the check itself failed and is
// surfaced as such instead of a settings denial.
func UnresolvableState(cause error) State {
	if cause == nil {
		cause = errUnresolvable
	}
	return State{Kind: Unresolvable, Cause: cause}
}

var errUnresolvable = errors.New("settings: not resolvable")

type Answer int

const (
	Accepted Answer = iota
	Declined
)

// Checker is implemented by the selected backend.
type Checker interface {
	CheckSettings(ctx context.Context, cfg config.Configuration) State
}

// Resolver shows the settings-resolution prompt and waits for the answer.
type Resolver interface {
	PromptResolution(ctx context.Context, token Token) (Answer, error)
}

type Gate struct {
	checker  Checker
	resolver Resolver
	log      zerolog.Logger
}

func NewGate(checker Checker, resolver Resolver, logger zerolog.Logger) *Gate {
	return &Gate{checker: checker, resolver: resolver, log: logger.With().Str("module", "settings").Logger()}
}

func (g *Gate) Check(ctx context.Context, cfg config.Configuration) State {
	st := g.checker.CheckSettings(ctx, cfg)
	g.log.Debug().Str("state", st.Kind.String()).Str("token", string(st.Token)).Msg("settings checked")
	return st
}

func (g *Gate) RequestResolution(ctx context.Context, token Token) (Answer, error) {
	return g.resolver.PromptResolution(ctx, token)
}

// Ensure returns nil once the device settings satisfy cfg. onResolving is
// called right before the resolution prompt is shown. After an accepted
// resolution the settings are checked again, and once more if that check
// still fails, before giving up with ErrSettingsResolutionFailed.
func (g *Gate) Ensure(ctx context.Context, cfg config.Configuration, onResolving func()) error {
	if !cfg.ShouldResolveSettings {
		return nil
	}
	st := g.Check(ctx, cfg)
	switch st.Kind {
	case Satisfied:
		return nil
	case Unresolvable:
		var le *locus.Error
		if errors.As(st.Cause, &le) && le.Kind == locus.KindBackendFailure {
			g.log.Warn().Err(st.Cause).Msg("settings check failed")
			return st.Cause
		}
		g.log.Info().Err(st.Cause).Msg("settings unsatisfied and not resolvable")
		return &locus.Error{Kind: locus.KindSettingsResolutionDenied, Err: st.Cause}
	}

	if onResolving != nil {
		onResolving()
	}
	answer, err := g.RequestResolution(ctx, st.Token)
	if err != nil {
		return &locus.Error{Kind: locus.KindSettingsResolutionDenied, Err: fmt.Errorf("resolution prompt: %w", err)}
	}
	if answer == Declined {
		g.log.Info().Str("token", string(st.Token)).Msg("settings resolution declined")
		return locus.ErrSettingsResolutionDenied
	}

	for attempt := 0; attempt < 2; attempt++ {
		if g.Check(ctx, cfg).Kind == Satisfied {
			return nil
		}
	}
	g.log.Warn().Str("token", string(st.Token)).Msg("settings still unsatisfied after accepted resolution")
	return locus.ErrSettingsResolutionFailed
}
