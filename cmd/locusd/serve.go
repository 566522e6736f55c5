package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"nuha.dev/locus/internal/backend"
	"nuha.dev/locus/internal/backend/devicefeed"
	"nuha.dev/locus/internal/backend/natsfeed"
	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/coordinator"
	"nuha.dev/locus/internal/events"
	"nuha.dev/locus/internal/permission"
	"nuha.dev/locus/internal/prompt"
	"nuha.dev/locus/internal/store"
	"nuha.dev/locus/internal/store/impl/logstore"
	"nuha.dev/locus/internal/store/impl/memstore"
	"nuha.dev/locus/internal/store/impl/pgstore"
	"nuha.dev/locus/internal/web"
)

type stores struct {
	flags    store.FlagStore
	grants   store.GrantStore
	recorder store.FixRecorder
	closers  []func()
}

func openStores(ctx context.Context, h config.Host, logger zerolog.Logger) (*stores, error) {
	mem := memstore.New(0)
	st := &stores{flags: mem, grants: mem}
	if h.DatabaseURL != "" {
		pool, err := pgxpool.Connect(ctx, h.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		if err := pgstore.Migrate(ctx, pool, h.HistoryTable); err != nil {
			pool.Close()
			return nil, err
		}
		misc := pgstore.NewMiscStore(pool)
		st.flags, st.grants = misc, misc
		if h.HistoryBackend == "postgres" {
			fixes := pgstore.NewStore(pool, h.HistoryTable, &pgstore.StoreConfig{
				BufSize:     h.HistoryBufSize,
				TickerDur:   time.Second,
				MaxAgeFlush: h.HistoryFlushAge,
			})
			fixes.Run()
			st.recorder = fixes
			// flush before the pool goes away
			st.closers = append([]func(){fixes.Close}, st.closers...)
		}
	}
	if h.HistoryBackend == "log" {
		st.recorder = logstore.NewStoreWithLogger(logger)
	}
	return st, nil
}

func (st *stores) close() {
	for _, c := range st.closers {
		c()
	}
}

func serve(ctx context.Context, v *viper.Viper) error {
	h, err := config.LoadHost(v)
	if err != nil {
		return err
	}
	defaults, err := config.Load(v)
	if err != nil {
		return err
	}
	logger := setupLogging(h)
	log := logger.With().Str("module", "locusd").Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, h, logger)
	if err != nil {
		return err
	}
	defer st.close()

	g, gctx := errgroup.WithContext(ctx)

	var clients []backend.Client
	var feed *devicefeed.Feed
	if h.DeviceAddr != "" {
		feed = devicefeed.NewFeed(&devicefeed.Config{ListenerAddr: h.DeviceAddr, ProxyProtocol: h.DeviceProxyProto})
		if err := feed.Listen(); err != nil {
			return err
		}
		defer feed.Close()
		g.Go(feed.Serve)
		clients = append(clients, feed)
	}
	if h.NatsURL != "" {
		nc, err := natsfeed.Dial(h.NatsURL, "locusd")
		if err != nil {
			log.Error().Err(err).Str("url", h.NatsURL).Msg("nats unreachable, fused backend disabled")
		} else {
			defer nc.Close()
			clients = append(clients, natsfeed.NewFeed(natsfeed.NewTransport(nc), natsfeed.Config{
				Subject: h.NatsSubject,
				Timeout: h.NatsTimeout,
			}, logger))
		}
	}

	// a nil backend makes every request fail with NoBackendAvailable
	var be backend.Backend
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	provider, err := backend.Select(probeCtx, logger, clients...)
	cancel()
	if err == nil {
		be = provider
	}

	bus, err := events.New(logger)
	if err != nil {
		return err
	}
	history := events.NewHistory(bus, 256)

	queue := prompt.NewQueue(logger)
	notifier := prompt.NewNotifier(logger)
	fg := &prompt.Foreground{}
	negotiator := permission.NewNegotiator(
		prompt.NewHost(queue, st.grants, logger),
		st.flags,
		permission.Policy{StrictSilentDenial: h.StrictSilentDenial},
		logger)

	coord, err := coordinator.New(&coordinator.Params{
		Backend:     be,
		Negotiator:  negotiator,
		Resolver:    queue,
		Notifier:    notifier,
		Foreground:  fg,
		Events:      bus,
		Recorder:    st.recorder,
		Defaults:    &defaults,
		SessionSalt: h.SessionSalt,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	deps := web.Deps{
		Coordinator: coord,
		Prompts:     queue,
		Notifier:    notifier,
		Foreground:  fg,
		History:     history,
	}
	if feed != nil {
		deps.Receivers = feed.Receivers
	}
	api := web.NewApi(deps, &web.ApiConfig{ListenAddr: h.HTTPAddr}, logger)
	g.Go(api.Run)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if feed != nil {
			feed.Close()
		}
		return api.Shutdown(sctx)
	})

	log.Info().Str("http", h.HTTPAddr).Str("device", h.DeviceAddr).Bool("backend", be != nil).Msg("locusd started")
	err = g.Wait()
	log.Info().Err(err).Msg("locusd stopped")
	return err
}
