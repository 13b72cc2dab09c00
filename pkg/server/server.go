// Package server provides the public entry point for composing the Elder
// core: store, graph engine, authorization, audit, request pipeline, HTTP
// router, RPC catalog, and the retention janitor.
//
// It lives in pkg/ (not internal/) so deployment wrappers can embed the
// composed server and layer their own middleware on Handler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/api"
	"github.com/elder-platform/elder/internal/api/handlers"
	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/audit"
	"github.com/elder-platform/elder/internal/authz"
	"github.com/elder-platform/elder/internal/cache"
	"github.com/elder-platform/elder/internal/config"
	"github.com/elder-platform/elder/internal/graph"
	"github.com/elder-platform/elder/internal/groups"
	"github.com/elder-platform/elder/internal/notify"
	"github.com/elder-platform/elder/internal/oncall"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/retention"
	"github.com/elder-platform/elder/internal/rpc"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/internal/telemetry"
	"github.com/elder-platform/elder/internal/villageid"
)

const day = 24 * time.Hour

// Server holds the composed Elder core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence backend: Postgres when DATABASE_URL is
	// set, in-memory otherwise.
	Store store.Store

	// RPC is the method catalog endpoint; nil when disabled.
	RPC *rpc.Server

	// Config is the resolved configuration.
	Config *config.Config

	// Janitor enforces retention; run it with Start.
	Janitor *retention.Janitor

	// ShutdownFunc stops background workers and flushes telemetry on
	// graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes the core from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the core with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			URL:             cfg.Database.URL,
			MaxConnections:  int32(cfg.Database.MaxConnections),
			DeadlockRetries: cfg.Database.DeadlockRetryMax,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		dataStore = pg
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}

	engine := graph.New(dataStore, graph.Config{
		MaxHierarchyDepth:  cfg.Graph.MaxHierarchyDepth,
		MaxImpactDepth:     cfg.Graph.MaxImpactDepth,
		HardImpactDepthCap: cfg.Graph.HardImpactDepthCap,
		AnalyzeTimeout:     cfg.Graph.AnalyzeTimeout,
	})
	authorizer := authz.New(cfg.Graph.MaxHierarchyDepth)
	auditLog := audit.New(time.Duration(cfg.Retention.AuditRetentionDays) * day)
	invalidator := cache.New()

	pipe := pipeline.New(pipeline.Deps{
		Store:       dataStore,
		Authz:       authorizer,
		Graph:       engine,
		Audit:       auditLog,
		Invalidator: invalidator,
	})

	villages := villageid.NewAllocator()
	resolver := oncall.New()
	var notifier groups.SyncNotifier
	if cfg.Sync.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Sync.WebhookURL, cfg.Sync.WebhookSecret)
		log.Info().Str("endpoint", cfg.Sync.WebhookURL).Msg("directory sync webhook enabled")
	}
	workflow := groups.New(notifier, time.Duration(cfg.Retention.MembershipDefaultTTLDays)*day)

	h := handlers.New(pipe, villages, resolver, workflow, cfg)
	limiter := middleware.NewRateLimiter(cfg.Requests.PerTenantQPSSoftCap)
	router := api.NewRouter(cfg, dataStore, h, limiter)

	var rpcSrv *rpc.Server
	if cfg.RPC.Addr != "" {
		rpcSrv = rpc.NewServer(cfg.RPC.Addr, cfg, dataStore, pipe, villages, resolver)
	}

	janitor := retention.NewJanitor(
		dataStore, auditLog, workflow,
		time.Hour,
		time.Duration(cfg.Retention.AuditRetentionDays)*day,
		retention.NewLocalFileArchiver("", true),
	)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		RPC:          rpcSrv,
		Config:       cfg,
		Janitor: janitor,
		ShutdownFunc: func(ctx context.Context) error {
			limiter.Close()
			return shutdown(ctx)
		},
	}, nil
}
