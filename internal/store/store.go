package store

import (
	"context"
	"errors"
	"time"

	"nuha.dev/locus/internal/locus"
)

var ErrNotFound = errors.New("store: not found")

// Flags is what the host remembers about asking for one permission.
type Flags struct {
	Asked          bool
	SilentlyDenied bool
}

// Grant is the platform-side state of one permission: whether it is held and
// whether the platform would show a rationale before asking again.
type Grant struct {
	Granted   bool
	Rationale bool
}

type FlagStore interface {
	Flags(ctx context.Context, permission string) (Flags, error)
	SetFlags(ctx context.Context, permission string, f Flags) error
}

type GrantStore interface {
	Grant(ctx context.Context, permission string) (Grant, error)
	SetGrant(ctx context.Context, permission string, g Grant) error
}

type Fix struct {
	SessionID  string
	Location   locus.Location
	ReceivedAt time.Time
}

// FixRecorder keeps a history of delivered fixes. Put must not block on I/O.
type FixRecorder interface {
	Put(f Fix)
}
