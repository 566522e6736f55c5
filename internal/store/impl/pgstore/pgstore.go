package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"

	"nuha.dev/locus/internal/store"
)

// copier is the part of *pgxpool.Pool the fix recorder needs.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store records fixes in batches. Put appends to the write buffer; a full
// buffer or one older than MaxAgeFlush is handed to the flusher goroutine,
// which writes it with COPY.
type Store struct {
	config  *StoreConfig
	wlock   sync.Mutex
	wbuf    buffer
	flushq  chan buffer
	db      copier
	log     log.Logger
	table   string
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	running bool
	closed  bool
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []store.Fix
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]store.Fix, 0, len)}
}

var fixColumns = []string{"sid", "longitude", "latitude", "altitude", "speed", "accuracy", "fix_time", "server_time"}

func NewStore(db copier, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.flushq = make(chan buffer, 4)
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	return o
}

func (st *Store) Run() {
	st.wlock.Lock()
	st.running = true
	st.wlock.Unlock()
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			st.wlock.Lock()
			if !st.closed && len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case <-st.stop:
			return
		}
	}
}

func (st *Store) Put(f store.Fix) {
	st.wlock.Lock()
	if st.closed {
		st.wlock.Unlock()
		return
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, f)
	if len(st.wbuf.buf) >= st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

// flush must be called with wlock held.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	select {
	case st.flushq <- st.wbuf:
	default:
		st.log.Warn().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("flusher is behind, dropping batch")
	}
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	defer close(st.done)
	st.log.Info().Msg("starting flusher task")
	for buf := range st.flushq {
		st.copy(buf)
	}
}

func (st *Store) copy(buf buffer) {
	t1 := time.Now()
	_, err := st.db.CopyFrom(context.Background(),
		pgx.Identifier{st.table},
		fixColumns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.SessionID, d.Location.Longitude, d.Location.Latitude, d.Location.Altitude,
				d.Location.Speed, d.Location.Accuracy, d.Location.Timestamp, d.ReceivedAt}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}

// Close flushes whatever is buffered and waits for the flusher to finish.
func (st *Store) Close() {
	st.wlock.Lock()
	running := st.running
	st.wlock.Unlock()
	if !running {
		return
	}
	st.once.Do(func() {
		close(st.stop)
		st.wlock.Lock()
		st.closed = true
		if len(st.wbuf.buf) != 0 {
			st.flushq <- st.wbuf
			st.wbuf = new_buffer(st.wbuf.seq+1, 0)
		}
		close(st.flushq)
		st.wlock.Unlock()
	})
	<-st.done
}
