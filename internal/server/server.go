// Package server wraps http.Server with the timeouts and TLS settings the
// service runs with.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"
)

// Config holds listener settings. Zero timeouts take the defaults.
type Config struct {
	Port         string
	TLSCert      string
	TLSKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server represents an HTTP server
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
	errs    chan error
}

// New creates a new server instance
func New(handler http.Handler, config Config) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	// Webhook responses wait for action execution, retries included
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 60 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 120 * time.Second
	}

	return &Server{
		srv: &http.Server{
			Addr:              ":" + config.Port,
			Handler:           handler,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
		tlsCert: config.TLSCert,
		tlsKey:  config.TLSKey,
		errs:    make(chan error, 1),
	}
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Start serves in the background. A listener failure is delivered on Errors.
func (s *Server) Start() error {
	serve := s.srv.ListenAndServe
	if s.tlsCert != "" && s.tlsKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		serve = func() error { return s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey) }
	}

	go func() {
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- err
		}
		close(s.errs)
	}()
	return nil
}

// Errors yields at most one listener error and is closed once serving stops
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
