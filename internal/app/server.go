package app

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/handlers"
	"webhook-rules/internal/server"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Handlers builds the HTTP handlers over the app's components
func (app *App) Handlers() *handlers.Handlers {
	return handlers.New(handlers.Deps{
		Dispatcher:      app.Dispatcher,
		Registry:        app.Registry,
		Store:           app.Storage,
		Cache:           app.RuleCache,
		Tokens:          app.Tokens,
		Idempotency:     app.Idempotency,
		LifecycleTokens: app.JWT,
		Breakers:        app.Breakers,
		Options: handlers.Options{
			AdminToken:    app.Config.AdminToken,
			ApplyChanges:  app.Config.RulesApplyChanges,
			SkipSignature: app.Config.SignatureSkipAllowed(),
			AcceptJWT:     app.Config.AcceptJWTSignature,
			APIBaseURL:    app.Config.APIBaseURL,
			Version:       Version,
		},
		Logger: app.Logger,
	})
}

// RunServer starts background work and returns the configured HTTP server
func (app *App) RunServer() (*server.Server, http.Handler, error) {
	if err := app.RuleCache.Start(); err != nil {
		return nil, nil, err
	}

	router := mux.NewRouter()
	SetupRoutes(router, app.Handlers(), app.InitializeRateLimiter(), app.Logger)

	srv := server.New(router, server.Config{Port: app.Config.Port})
	return srv, router, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown(ctx context.Context) error {
	if app.RuleCache != nil {
		if err := app.RuleCache.Shutdown(ctx); err != nil {
			app.Logger.Warn("Error stopping rule cache refresh", logging.Field{Key: "error", Value: err.Error()})
			return err
		}
		app.Logger.Info("Rule cache refresh stopped")
	}
	return nil
}
