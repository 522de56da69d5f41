package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/collab"
	"github.com/tbourn/go-support-backend/internal/config"
	httpapi "github.com/tbourn/go-support-backend/internal/http"
	"github.com/tbourn/go-support-backend/internal/knowledge"
	"github.com/tbourn/go-support-backend/internal/observability"
	"github.com/tbourn/go-support-backend/internal/repo"
	"github.com/tbourn/go-support-backend/internal/services"
)

const shutdownGrace = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg)
		},
	}
}

// components is everything serve builds before it starts listening.
type components struct {
	db        *gorm.DB
	hub       *broadcast.Hub
	relay     *broadcast.RedisRelay
	sessions  *services.SessionService
	notes     *services.NoteService
	operators *services.OperatorService
	closers   []func() error
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	comp, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        comp.db,
		Hub:       comp.hub,
		Sessions:  comp.sessions,
		Notes:     comp.notes,
		Operators: comp.operators,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		// Hijacked websocket connections outlive Shutdown; tying request
		// contexts to ctx stops their pumps on SIGTERM.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		sweep(gctx, comp, cfg)
		return nil
	})
	if comp.relay != nil {
		g.Go(func() error { return comp.relay.Run(gctx) })
	}

	err = g.Wait()
	log.Info().Err(err).Msg("supportd stopped")
	return err
}

// build opens storage and wires the services with their collaborators.
func build(ctx context.Context, cfg config.Config) (*components, error) {
	comp := &components{}

	db, err := repo.Open(repo.Options{
		Driver:       cfg.DB.Driver,
		Path:         cfg.DB.Path,
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		Tracing:      cfg.OTEL.Enabled,
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		comp.closers = append(comp.closers, sqlDB.Close)
	}
	if err := repo.AutoMigrate(db); err != nil {
		comp.close()
		return nil, err
	}
	comp.db = db

	comp.hub = broadcast.NewHub(cfg.Broadcast.Buffer)
	if cfg.Broadcast.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Broadcast.RedisAddr, Password: cfg.Broadcast.RedisPassword})
		comp.closers = append(comp.closers, client.Close)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			comp.close()
			return nil, err
		}
		comp.relay = broadcast.NewRedisRelay(client, cfg.Broadcast.RedisChannel, comp.hub)
	}
	events := &broadcast.Fanout{P: comp.hub}

	var (
		notifier collab.Notifier   = collab.LogNotifier{}
		tickets  collab.TicketSink = collab.LogTicketSink{}
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := collab.NewKafkaProducer(cfg.Kafka.Brokers, collab.NewSaramaConfig(), cfg.Kafka.NotifyTopic, cfg.Kafka.TicketTopic)
		if err != nil {
			comp.close()
			return nil, err
		}
		comp.closers = append(comp.closers, kp.Close)
		notifier, tickets = kp, kp
	}

	responder := &collab.KnowledgeResponder{Threshold: cfg.Chat.AIThreshold}
	if kb, err := knowledge.Load(cfg.Chat.KBPath); err != nil {
		log.Warn().Err(err).Str("path", cfg.Chat.KBPath).Msg("knowledge base unavailable; AI replies fall back")
	} else {
		log.Info().Int("entries", kb.Len()).Str("path", cfg.Chat.KBPath).Msg("knowledge base loaded")
		responder.KB = kb
	}

	var store collab.AttachmentStore
	if cfg.Attachments.Dir != "" {
		if err := os.MkdirAll(cfg.Attachments.Dir, 0o755); err != nil {
			comp.close()
			return nil, err
		}
		store = &collab.DiskStore{Dir: cfg.Attachments.Dir, BaseURL: cfg.Attachments.BaseURL, MaxBytes: cfg.Attachments.MaxBytes}
	}

	engine := services.NewEngine(db, cfg.Chat.LockTimeout)
	comp.sessions = &services.SessionService{
		DB:              db,
		Engine:          engine,
		Matcher:         &services.Matcher{Registry: &services.GormRegistry{DB: db}, Exclusive: cfg.Chat.MatchExclusive},
		Events:          events,
		AI:              responder,
		Notifier:        notifier,
		Tickets:         tickets,
		Attachments:     store,
		AIHistory:       cfg.Chat.AIHistory,
		MaxContentRunes: cfg.Chat.MaxContentRunes,
	}
	comp.notes = &services.NoteService{DB: db, Engine: engine, Events: events, MaxContentRunes: cfg.Chat.MaxContentRunes}
	comp.operators = &services.OperatorService{DB: db, Events: events}
	return comp, nil
}

// sweep turns silent operators unavailable and purges expired idempotency
// records every SweepInterval until ctx is done.
func sweep(ctx context.Context, comp *components, cfg config.Config) {
	t := time.NewTicker(cfg.Chat.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if ids, err := comp.operators.SweepInactive(ctx, cfg.Chat.OperatorIdleTimeout); err != nil {
				log.Warn().Err(err).Msg("operator sweep")
			} else if len(ids) > 0 {
				log.Info().Strs("operators", ids).Msg("marked idle operators unavailable")
			}
			if n, err := repo.PurgeIdempotency(ctx, comp.db, now.UTC()); err != nil {
				log.Warn().Err(err).Msg("idempotency purge")
			} else if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired idempotency records purged")
			}
		}
	}
}
