// Package daemon composes the realtime client into an fx application: it
// owns the profile lock, the sqlite cache, the connection and the state
// components, and exposes health over the profile's control socket.
package daemon

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/calls"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/config"
	"github.com/cydjerr/speakjerr/internal/conn"
	"github.com/cydjerr/speakjerr/internal/credentials"
	"github.com/cydjerr/speakjerr/internal/events"
	"github.com/cydjerr/speakjerr/internal/lock"
	"github.com/cydjerr/speakjerr/internal/logging"
	"github.com/cydjerr/speakjerr/internal/messaging"
	"github.com/cydjerr/speakjerr/internal/profile"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
	"github.com/cydjerr/speakjerr/internal/rooms"
	"github.com/cydjerr/speakjerr/internal/store"
	"github.com/cydjerr/speakjerr/internal/stories"
	intsync "github.com/cydjerr/speakjerr/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load the config file
	Dialer     conn.Dialer    // optional; nil = websocket
	HTTPClient *http.Client   // optional; nil = default client
	Logger     *zap.Logger    // optional; nil = file + console logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideCredentials,
			provideRouter,
			provideManager,
			provideRESTClient,
			provideRooms,
			provideMessaging,
			provideCalls,
			provideStories,
			provideSyncEngine,
			provideReconciler,
			provideHydrator,
			provideHealth,
			NewHealthReporter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so only the lock holder opens the cache.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(db *store.DB) credentials.Store {
	return credentials.NewSQLite(db)
}

func provideRouter(logger *zap.Logger) *events.Router {
	return events.NewRouter(logger.Named("events"))
}

func provideManager(p Params, cfg *config.Config, creds credentials.Store, router *events.Router, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	dialer := p.Dialer
	if dialer == nil {
		dialer = conn.WebsocketDialer{HTTPClient: p.HTTPClient}
	}
	return conn.New(conn.OptionsFromConfig(cfg), creds, dialer, router, b, clock.Real(), logger.Named("conn"))
}

func provideRESTClient(p Params, cfg *config.Config, creds credentials.Store, logger *zap.Logger) (*rest.Client, error) {
	rc := rest.ConfigFrom(cfg, creds, logger.Named("rest"))
	rc.HTTPClient = p.HTTPClient
	return rest.NewClient(rc)
}

func provideRooms(router *events.Router) *rooms.Coordinator {
	return rooms.New(router)
}

func provideMessaging(cfg *config.Config, api *rest.Client, router *events.Router, rc *rooms.Coordinator, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *messaging.State {
	return messaging.New(api, router, rc, m, b, clock.Real(), logger.Named("messaging"), messaging.OptionsFromConfig(cfg))
}

func provideCalls(api *rest.Client, router *events.Router, rc *rooms.Coordinator, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *calls.Relay {
	return calls.New(api, router, rc, m, b, clock.Real(), logger.Named("calls"))
}

func provideStories(cfg *config.Config, api *rest.Client, router *events.Router, rc *rooms.Coordinator, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *stories.Feed {
	return stories.New(api, router, rc, m, b, clock.Real(), logger.Named("stories"), cfg.Stories.TTL.Duration)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("sync"))
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger.Named("sync"))
}

func provideHydrator(state *messaging.State, relay *calls.Relay, feed *stories.Feed, rec *intsync.Reconciler, logger *zap.Logger) *Hydrator {
	return NewHydrator(state, relay, feed, rec, logger.Named("hydrate"))
}

func provideHealth() *health.Server {
	return health.NewServer()
}

type lifecycleDeps struct {
	fx.In

	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Manager  *conn.Manager
	Router   *events.Router
	State    *messaging.State
	Relay    *calls.Relay
	Feed     *stories.Feed
	Engine   *intsync.Engine
	Hydrator *Hydrator
	Reporter *HealthReporter
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var (
		runCtx    context.Context
		cancelRun context.CancelFunc
		authSub   *events.Subscription
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancelRun = context.WithCancel(context.Background())

			// Persist state changes before anything starts producing them.
			d.Engine.Start(runCtx)
			d.Reporter.Start()

			cached, err := d.DB.ListConversations(ctx, 200, 0)
			if err != nil {
				d.Logger.Warn("reading cached conversations failed", zap.Error(err))
			}
			d.State.Seed(cached)
			d.Logger.Info("seeded from cache", zap.Int("conversations", len(cached)))

			d.State.Start()
			d.Relay.Start()
			d.Feed.Start()
			authSub = events.On(d.Router, func(ev protocol.Authenticated) {
				d.Logger.Info("authenticated", zap.String("user_id", ev.UserID))
				go d.Hydrator.Run(runCtx)
			})

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				err := d.Manager.Initialize(runCtx)
				switch {
				case err == nil:
				case errors.Is(err, conn.ErrNoCredentials):
					d.Logger.Info("no credentials found, login required")
				default:
					d.Logger.Error("initial connection failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if authSub != nil {
				authSub.Off()
			}
			d.Feed.Stop(ctx)
			d.Manager.Disconnect()
			d.Manager.Wait()
			if cancelRun != nil {
				cancelRun()
			}
			d.State.Stop()
			d.Relay.Stop()
			d.Hydrator.Wait()
			d.Engine.Stop()
			d.Reporter.Stop()
			d.Server.Stop(ctx)

			err := multierr.Combine(
				d.DB.Close(),
				d.Lock.Release(),
			)
			if err != nil {
				d.Logger.Warn("error during shutdown", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return err
		},
	})
}
