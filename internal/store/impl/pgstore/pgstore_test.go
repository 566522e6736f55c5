package pgstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/store"
)

type fakeCopier struct {
	mu      sync.Mutex
	batches [][][]interface{}
}

func (f *fakeCopier) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	var rows [][]interface{}
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, v)
	}
	f.mu.Lock()
	f.batches = append(f.batches, rows)
	f.mu.Unlock()
	return int64(len(rows)), nil
}

func (f *fakeCopier) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func fix(sid string, lat float64) store.Fix {
	return store.Fix{SessionID: sid, Location: locus.Location{Latitude: lat, Longitude: 106.8}, ReceivedAt: time.Now()}
}

func TestFlushOnFullBuffer(t *testing.T) {
	db := &fakeCopier{}
	st := NewStore(db, "location_fix", &StoreConfig{BufSize: 3, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	for i := 0; i < 6; i++ {
		st.Put(fix("s1", float64(i)))
	}
	require.Eventually(t, func() bool { return db.rows() == 6 }, time.Second, 5*time.Millisecond)
	st.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	require.Len(t, db.batches, 2)
	assert.Equal(t, "s1", db.batches[0][0][0])
	assert.Equal(t, 5.0, db.batches[1][2][2])
}

func TestFlushOnAge(t *testing.T) {
	db := &fakeCopier{}
	st := NewStore(db, "location_fix", &StoreConfig{BufSize: 100, TickerDur: 5 * time.Millisecond, MaxAgeFlush: 10 * time.Millisecond})
	st.Run()
	defer st.Close()
	st.Put(fix("s2", 1))
	assert.Eventually(t, func() bool { return db.rows() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCloseFlushesRemainder(t *testing.T) {
	db := &fakeCopier{}
	st := NewStore(db, "location_fix", &StoreConfig{BufSize: 100, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	st.Put(fix("s3", 1))
	st.Put(fix("s3", 2))
	st.Close()
	assert.Equal(t, 2, db.rows())

	st.Put(fix("s3", 3))
	assert.Equal(t, 2, db.rows())
}

func TestMiscStorePostgres(t *testing.T) {
	url := os.Getenv("LOCUS_TEST_DB_URL")
	if url == "" {
		t.Skip("LOCUS_TEST_DB_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, Migrate(ctx, pool, "location_fix_test"))

	m := NewMiscStore(pool)
	perm := "test.permission." + time.Now().Format("150405.000000")
	f, err := m.Flags(ctx, perm)
	require.NoError(t, err)
	assert.Equal(t, store.Flags{}, f)

	require.NoError(t, m.SetFlags(ctx, perm, store.Flags{Asked: true}))
	require.NoError(t, m.SetGrant(ctx, perm, store.Grant{Rationale: true}))
	f, err = m.Flags(ctx, perm)
	require.NoError(t, err)
	assert.True(t, f.Asked)
	g, err := m.Grant(ctx, perm)
	require.NoError(t, err)
	assert.Equal(t, store.Grant{Rationale: true}, g)
}
