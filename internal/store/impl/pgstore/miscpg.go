package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/locus/internal/store"
)

// PgMiscStore keeps the per-permission flags and grants.
type PgMiscStore struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewMiscStore(db *pgxpool.Pool) *PgMiscStore {
	m := PgMiscStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "misc_store").Value()
	return &m
}

const schema = `
CREATE TABLE IF NOT EXISTS permission_state (
	permission      text PRIMARY KEY,
	asked           boolean NOT NULL DEFAULT false,
	silently_denied boolean NOT NULL DEFAULT false,
	granted         boolean NOT NULL DEFAULT false,
	rationale       boolean NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS %s (
	id          bigserial PRIMARY KEY,
	sid         text NOT NULL,
	longitude   double precision NOT NULL,
	latitude    double precision NOT NULL,
	altitude    double precision NOT NULL,
	speed       double precision NOT NULL,
	accuracy    double precision NOT NULL,
	fix_time    timestamptz NOT NULL,
	server_time timestamptz NOT NULL
);`

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool, fixTable string) error {
	_, err := db.Exec(ctx, fmt.Sprintf(schema, pgx.Identifier{fixTable}.Sanitize()))
	return err
}

func (st *PgMiscStore) Flags(ctx context.Context, permission string) (store.Flags, error) {
	var f store.Flags
	err := st.db.QueryRow(ctx, `SELECT asked, silently_denied FROM permission_state WHERE permission = $1`, permission).Scan(&f.Asked, &f.SilentlyDenied)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Flags{}, nil
	}
	if err != nil {
		st.log.Error().Err(err).Str("permission", permission).Msg("error reading permission flags")
		return store.Flags{}, err
	}
	return f, nil
}

func (st *PgMiscStore) SetFlags(ctx context.Context, permission string, f store.Flags) error {
	_, err := st.db.Exec(ctx, `INSERT INTO permission_state (permission, asked, silently_denied) VALUES ($1,$2,$3)
		ON CONFLICT (permission) DO UPDATE SET asked = EXCLUDED.asked, silently_denied = EXCLUDED.silently_denied`,
		permission, f.Asked, f.SilentlyDenied)
	if err != nil {
		st.log.Error().Err(err).Str("permission", permission).Msg("error saving permission flags")
	}
	return err
}

func (st *PgMiscStore) Grant(ctx context.Context, permission string) (store.Grant, error) {
	var g store.Grant
	err := st.db.QueryRow(ctx, `SELECT granted, rationale FROM permission_state WHERE permission = $1`, permission).Scan(&g.Granted, &g.Rationale)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Grant{}, nil
	}
	if err != nil {
		st.log.Error().Err(err).Str("permission", permission).Msg("error reading grant")
		return store.Grant{}, err
	}
	return g, nil
}

func (st *PgMiscStore) SetGrant(ctx context.Context, permission string, g store.Grant) error {
	_, err := st.db.Exec(ctx, `INSERT INTO permission_state (permission, granted, rationale) VALUES ($1,$2,$3)
		ON CONFLICT (permission) DO UPDATE SET granted = EXCLUDED.granted, rationale = EXCLUDED.rationale`,
		permission, g.Granted, g.Rationale)
	if err != nil {
		st.log.Error().Err(err).Str("permission", permission).Msg("error saving grant")
	}
	return err
}
