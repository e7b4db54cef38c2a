// Package app wires the sync core together from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/matchbook/core/internal/auth"
	"github.com/kimhsiao/matchbook/core/internal/config"
	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/metrics"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/netstate"
	"github.com/kimhsiao/matchbook/core/internal/push"
	"github.com/kimhsiao/matchbook/core/internal/services"
	"github.com/kimhsiao/matchbook/core/internal/storage"
	syncpkg "github.com/kimhsiao/matchbook/core/internal/sync"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/handlers"
	"github.com/kimhsiao/matchbook/core/internal/sync/queue"
	"github.com/kimhsiao/matchbook/core/internal/sync/reconcile"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
	"github.com/kimhsiao/matchbook/core/internal/sync/scheduler"
)

// App owns every long-lived component.
type App struct {
	Config *config.Config

	DB        *db.DB
	Repo      *db.Repository
	Queue     *queue.Store
	Avatars   *storage.AvatarStore
	Tokens    *auth.FileTokenSource
	Remote    *remote.Client
	Reconcile *reconcile.Reconciler
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Monitor   *netstate.Monitor
	// Push is nil unless push.enabled is set.
	Push *push.Listener

	Profiles *services.ProfileService
	Friends  *services.FriendService
	Matches  *services.MatchService

	mu         sync.Mutex
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	metricsSrv *http.Server
	closed     bool
}

// New opens the database and builds the components. Nothing runs until
// Start.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(database.DB, db.NewNotifier())

	avatars, err := storage.NewAvatarStore(filepath.Join(cfg.DataDir, "avatars"))
	if err != nil {
		repo.Close()
		database.Close()
		return nil, fmt.Errorf("failed to open avatar store: %w", err)
	}

	tokens := auth.NewFileTokenSource(cfg.Auth.TokenFile)
	client := remote.NewClient(&http.Client{Timeout: cfg.Remote.Timeout}, cfg.Remote.BaseURL, tokens)
	rec := reconcile.New(repo, client, conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins), avatars)
	registry := handlers.NewRegistry(handlers.Deps{Repo: repo, Remote: client, Projection: rec, Avatars: avatars})
	store := queue.NewStore(repo)

	engine := syncpkg.NewEngine(store, registry, rec, syncpkg.Config{
		MaxItemsPerRun: cfg.Sync.MaxItemsPerRun,
		NodeID:         cfg.NodeID,
	})
	sched := scheduler.NewScheduler(engine, store, repo, &scheduler.SchedulerConfig{
		PeriodicInterval: cfg.Sync.PeriodicInterval,
		BackoffBase:      cfg.Sync.BackoffBase,
		BackoffMax:       cfg.Sync.BackoffMax,
		RunTimeout:       cfg.Sync.RunTimeout,
	})

	a := &App{
		Config:    cfg,
		DB:        database,
		Repo:      repo,
		Queue:     store,
		Avatars:   avatars,
		Tokens:    tokens,
		Remote:    client,
		Reconcile: rec,
		Engine:    engine,
		Scheduler: sched,
		Monitor:   netstate.NewMonitor(cfg.Remote.BaseURL, nil, cfg.Sync.ProbeInterval, sched),
		Profiles:  services.NewProfileService(repo, avatars, sched),
		Friends:   services.NewFriendService(repo, sched),
		Matches:   services.NewMatchService(repo, sched),
	}
	if cfg.Push.Enabled {
		url := cfg.Push.URL
		if url == "" {
			url = push.StreamURL(cfg.Remote.BaseURL)
		}
		a.Push = push.NewListener(push.Config{URL: url}, tokens, sched)
	}

	engine.SetEventHandler(syncpkg.SyncEventHandlerFunc(a.onSyncEvent))
	metrics.Register()
	return a, nil
}

// Start runs the scheduler and the background monitors until Close.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("app is closed")
	}
	if a.cancel != nil {
		return nil
	}
	ctx, a.cancel = context.WithCancel(ctx)

	if a.Config.Metrics.Addr != "" {
		a.metricsSrv = &http.Server{
			Addr:              a.Config.Metrics.Addr,
			Handler:           a.statusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics listener failed", err, logging.Fields{"addr": a.Config.Metrics.Addr})
			}
		}()
	}

	a.Scheduler.Start(ctx)
	a.Scheduler.TriggerPeriodic()

	a.goRun(func() { a.Monitor.Run(ctx) })
	if a.Push != nil {
		a.goRun(func() { a.Push.Run(ctx) })
	}

	logging.Info("Sync core started", logging.Fields{
		"data_dir": a.Config.DataDir,
		"remote":   a.Config.Remote.BaseURL,
		"push":     a.Push != nil,
	})
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Close stops background work and releases the database. It is safe to
// call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	srv := a.metricsSrv
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.Scheduler.Stop()
	if srv != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(ctx)
		done()
	}
	a.wg.Wait()

	return errors.Join(a.Repo.Close(), a.DB.Close())
}

// onSyncEvent records the time of the last run that reached the server.
func (a *App) onSyncEvent(ev syncpkg.SyncEvent) {
	if ev.Type != syncpkg.SyncEventCompleted || ev.Unauthenticated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Repo.SetMetadata(ctx, models.MetaLastSuccessfulAt, models.FormatTimestamp(ev.Timestamp)); err != nil {
		logging.Warn("Failed to record last successful sync", logging.Fields{"error": err.Error()})
	}
}

// Status is a point-in-time view of the sync core.
type Status struct {
	SignedIn         bool                      `json:"signed_in"`
	QueueDepth       int                       `json:"queue_depth"`
	Engine           syncpkg.SyncStatus        `json:"engine"`
	LastError        string                    `json:"last_error,omitempty"`
	LastSuccessfulAt string                    `json:"last_successful_at,omitempty"`
	Scheduler        scheduler.SchedulerStatus `json:"scheduler"`
}

// Status collects the current state.
func (a *App) Status(ctx context.Context) (*Status, error) {
	depth, err := a.Queue.Count(ctx)
	if err != nil {
		return nil, err
	}
	last, _, err := a.Repo.GetMetadata(ctx, models.MetaLastSuccessfulAt)
	if err != nil {
		return nil, err
	}
	_, tokErr := a.Tokens.Token(ctx)

	st := &Status{
		SignedIn:         tokErr == nil,
		QueueDepth:       depth,
		Engine:           a.Engine.Status(),
		LastSuccessfulAt: last,
		Scheduler:        a.Scheduler.Status(),
	}
	if err := a.Engine.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st, nil
}

func (a *App) statusHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		st, err := a.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	return r
}
