package prompt

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/permission"
	"nuha.dev/locus/internal/store"
)

const storeTimeout = 2 * time.Second

// Host is the permission surface of locusd. Grants live in a GrantStore, and
// the rationale signal is derived from how the user answered the last
// request: a plain denial asks for a rationale next time, a denial with
// "don't ask again" does not.
type Host struct {
	q      *Queue
	grants store.GrantStore
	log    zerolog.Logger
}

var _ permission.Surface = (*Host)(nil)

func NewHost(q *Queue, grants store.GrantStore, logger zerolog.Logger) *Host {
	return &Host{q: q, grants: grants, log: logger.With().Str("module", "prompt-host").Logger()}
}

func (h *Host) grant(p permission.Permission) store.Grant {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	g, err := h.grants.Grant(ctx, string(p))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error().Err(err).Str("permission", string(p)).Msg("error reading grant")
	}
	return g
}

func (h *Host) setGrant(ctx context.Context, p permission.Permission, g store.Grant) {
	if err := h.grants.SetGrant(ctx, string(p), g); err != nil {
		h.log.Error().Err(err).Str("permission", string(p)).Msg("error saving grant")
	}
}

func (h *Host) HasPermission(p permission.Permission) bool {
	return h.grant(p).Granted
}

func (h *Host) ShouldShowRationale(p permission.Permission) bool {
	g := h.grant(p)
	return !g.Granted && g.Rationale
}

func (h *Host) ShowRationale(ctx context.Context, perms []permission.Permission) (bool, error) {
	a, err := h.q.Ask(ctx, Prompt{Kind: KindRationale, Permissions: names(perms)})
	if err != nil {
		return false, err
	}
	return a.Accept, nil
}

func (h *Host) Request(ctx context.Context, perms []permission.Permission) ([]permission.Permission, error) {
	a, err := h.q.Ask(ctx, Prompt{Kind: KindRequest, Permissions: names(perms)})
	if err != nil {
		return nil, err
	}
	granted := make([]permission.Permission, 0, len(perms))
	for _, p := range perms {
		if contains(a.Granted, string(p)) {
			h.setGrant(ctx, p, store.Grant{Granted: true})
			granted = append(granted, p)
			continue
		}
		h.setGrant(ctx, p, store.Grant{Rationale: !a.DontAskAgain})
	}
	return granted, nil
}

func (h *Host) ShowBlocked(ctx context.Context, perms []permission.Permission) (bool, error) {
	a, err := h.q.Ask(ctx, Prompt{Kind: KindBlocked, Permissions: names(perms)})
	if err != nil {
		return false, err
	}
	if !a.Accept {
		return false, nil
	}
	// the user went to the settings page; whatever they switched on is
	// granted from now on
	for _, p := range perms {
		if contains(a.Granted, string(p)) {
			h.setGrant(ctx, p, store.Grant{Granted: true})
		}
	}
	return true, nil
}

// Revoke withdraws a grant the way the system settings page would.
func (h *Host) Revoke(ctx context.Context, p permission.Permission) error {
	return h.grants.SetGrant(ctx, string(p), store.Grant{})
}

func names(perms []permission.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
