package app

import (
	"context"
	"strings"
	"time"

	"webhook-rules/internal/apiclient"
	"webhook-rules/internal/circuitbreaker"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/config"
	"webhook-rules/internal/credentials"
	"webhook-rules/internal/dispatch"
	"webhook-rules/internal/idempotency"
	"webhook-rules/internal/locks"
	"webhook-rules/internal/redis"
	"webhook-rules/internal/rulecache"
	"webhook-rules/internal/signature"
	"webhook-rules/internal/storage"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Storage     storage.RuleStore
	RedisClient *redis.Client
	Tokens      *credentials.Store
	Idempotency *idempotency.Cache
	RuleCache   *rulecache.Cache
	Registry    *dispatch.Registry
	Verifier    *signature.Verifier
	JWT         signature.TokenVerifier
	APIClient   *apiclient.Client
	Breakers    *circuitbreaker.Manager
	Dispatcher  *dispatch.Dispatcher
	Logger      logging.Logger
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	// Initialize components in order of dependency
	if err := app.initializeStorage(); err != nil {
		return nil, err
	}

	if err := app.initializeRedis(); err != nil {
		app.Cleanup()
		return nil, err
	}

	if err := app.initializeCredentials(); err != nil {
		app.Cleanup()
		return nil, err
	}
	app.initializeIdempotency()

	if err := app.initializeSignature(); err != nil {
		app.Cleanup()
		return nil, err
	}

	app.initializeDispatch()

	if err := app.restoreReceivers(context.Background()); err != nil {
		app.Logger.Warn("Failed to restore webhook receivers", logging.Field{Key: "error", Value: err.Error()})
	}

	return app, nil
}

func (app *App) initializeCredentials() error {
	storeConfig := credentials.Config{
		TTL:   config.Duration(app.Config.TokenTTL, credentials.DefaultTTL),
		Grace: config.Duration(app.Config.TokenRotationGrace, credentials.DefaultGrace),
	}

	var persistence credentials.Persistence
	if app.Config.TokenPersistence == "redis" {
		persistence = credentials.NewRedisPersistence(app.RedisClient)

		// Instances sharing the records also share the write lock
		locker, err := locks.NewRedsyncLocker(app.RedisClient, locks.DefaultConfig())
		if err != nil {
			return err
		}
		storeConfig.Locker = locker
	} else {
		persistence = credentials.NewMemoryPersistence()
	}

	app.Tokens = credentials.NewStore(storeConfig, persistence, app.Logger)

	app.Logger.Info("Credentials: Ready",
		logging.Field{Key: "persistence", Value: app.Config.TokenPersistence},
		logging.Field{Key: "shared_lock", Value: storeConfig.Locker != nil},
	)
	return nil
}

func (app *App) initializeIdempotency() {
	var store idempotency.Store
	if app.Config.IdempotencyBackend == "redis" {
		store = idempotency.NewRedisStore(app.RedisClient)
	} else {
		store = idempotency.NewMemoryStore(time.Minute)
	}

	app.Idempotency = idempotency.NewCache(store,
		config.Duration(app.Config.IdempotencyTTL, idempotency.DefaultTTL), app.Logger)

	app.Logger.Info("Idempotency: Ready",
		logging.Field{Key: "backend", Value: app.Idempotency.Backend()},
		logging.Field{Key: "ttl", Value: app.Idempotency.TTL().String()},
	)
}

func (app *App) initializeSignature() error {
	if app.Config.JWTPublicKey != "" || app.Config.JWTHMACSecret != "" {
		tokenConfig := signature.TokenConfig{
			Issuer:   app.Config.JWTIssuer,
			Audience: app.Config.JWTAudience,
			Leeway:   time.Duration(config.Int(app.Config.JWTMaxClockSkew, 60)) * time.Second,
			MaxTTL:   config.Duration(app.Config.JWTMaxTTL, 0),
		}
		if app.Config.JWTPublicKey != "" {
			key, err := signature.ParsePublicKey(strings.ReplaceAll(app.Config.JWTPublicKey, `\n`, "\n"))
			if err != nil {
				return err
			}
			tokenConfig.PublicKey = key
		}
		if app.Config.JWTHMACSecret != "" {
			tokenConfig.HMACSecret = []byte(app.Config.JWTHMACSecret)
		}

		verifier, err := signature.NewJWTVerifier(tokenConfig)
		if err != nil {
			return err
		}
		app.JWT = verifier
	}

	skip := app.Config.SignatureSkipAllowed()
	if app.Config.SkipSignatureVerify && !skip {
		app.Logger.Warn("ADDON_SKIP_SIGNATURE_VERIFY ignored outside development", logging.Field{Key: "env", Value: app.Config.Env})
	}

	app.Verifier = signature.NewVerifier(&signature.Config{
		AcceptTokens:     app.Config.AcceptJWTSignature,
		SkipVerification: skip,
	}, app.Tokens, app.JWT, app.Logger)

	app.Logger.Info("Signature verification: Ready",
		logging.Field{Key: "accept_jwt", Value: app.Config.AcceptJWTSignature},
		logging.Field{Key: "skip", Value: skip},
	)
	return nil
}

func (app *App) initializeDispatch() {
	app.RuleCache = rulecache.New(app.Storage, rulecache.Config{
		TTL:             config.Duration(app.Config.RuleCacheTTL, rulecache.DefaultTTL),
		RefreshInterval: config.Duration(app.Config.RuleCacheRefreshInterval, rulecache.DefaultRefreshInterval),
	}, app.Logger)

	apiConfig := apiclient.DefaultConfig()
	apiConfig.Timeout = config.Duration(app.Config.APITimeout, apiConfig.Timeout)
	apiConfig.RateLimit = config.Float(app.Config.APIRateLimit, apiConfig.RateLimit)
	app.APIClient = apiclient.New(apiConfig, app.Logger)

	if failures := config.Int(app.Config.APIBreakerMaxFailures, 0); failures > 0 {
		breakerConfig := circuitbreaker.DefaultConfig()
		breakerConfig.MaxFailures = failures
		breakerConfig.OpenTimeout = config.Duration(app.Config.APIBreakerOpenTimeout, breakerConfig.OpenTimeout)
		breakers, err := circuitbreaker.NewManager(breakerConfig, app.Logger)
		if err != nil {
			app.Logger.Warn("Circuit breaking disabled", logging.Field{Key: "error", Value: err.Error()})
		} else {
			app.Breakers = breakers
		}
	}

	dispatchConfig := dispatch.DefaultConfig()
	dispatchConfig.ApplyChanges = app.Config.RulesApplyChanges
	dispatchConfig.Retry.MaxAttempts = config.Int(app.Config.ActionMaxAttempts, dispatchConfig.Retry.MaxAttempts)
	dispatchConfig.Retry.MaxDelay = config.Duration(app.Config.ActionRetryCap, dispatchConfig.Retry.MaxDelay)

	app.Registry = dispatch.NewRegistry(app.Logger)
	dispatchConfig.Registered = app.Registry.Registered
	app.Dispatcher = dispatch.NewDispatcher(
		dispatchConfig,
		app.Verifier,
		app.Idempotency,
		app.RuleCache,
		app.Tokens,
		app.workspaceCallers(),
		app.Logger,
	)

	app.Logger.Info("Dispatcher: Ready",
		logging.Field{Key: "apply_changes", Value: dispatchConfig.ApplyChanges},
		logging.Field{Key: "max_attempts", Value: dispatchConfig.Retry.MaxAttempts},
		logging.Field{Key: "circuit_breaking", Value: app.Breakers != nil},
	)
}

// workspaceCallers builds action callers, behind a per-host breaker when
// circuit breaking is enabled
func (app *App) workspaceCallers() dispatch.CallerFactory {
	callers := dispatch.NewWorkspaceCallers(app.APIClient)
	if app.Breakers == nil {
		return callers
	}
	return func(workspaceID string, token credentials.WorkspaceToken) apiclient.Caller {
		return app.Breakers.Wrap(circuitbreaker.HostKey(token.APIBaseURL), callers(workspaceID, token))
	}
}

// restoreReceivers registers the trigger events of every stored rule
func (app *App) restoreReceivers(ctx context.Context) error {
	count, err := app.Registry.Restore(ctx, app.Storage)
	if err != nil {
		return err
	}
	app.Logger.Info("Webhook receivers restored",
		logging.Field{Key: "rules", Value: count},
		logging.Field{Key: "events", Value: len(app.Registry.Events())},
	)
	return nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Storage != nil {
		if err := app.Storage.Close(); err != nil {
			app.Logger.Warn("Error closing rule store", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}
