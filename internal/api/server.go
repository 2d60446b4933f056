// Package api hosts the embedded HTTP server exposing the management
// endpoints for the account pool.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/api/management"
	"github.com/ForwardInfinity/pi-extensions/internal/config"
	"github.com/ForwardInfinity/pi-extensions/internal/rotation"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server wraps the gin engine and its HTTP listener.
type Server struct {
	cfg  *config.Config
	http *http.Server
}

// NewServer builds the management server. Unless remote management is
// enabled the listener binds loopback only.
func NewServer(cfg *config.Config, engine *rotation.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	management.NewHandler(cfg, engine).Register(router)

	host := "127.0.0.1"
	if cfg.RemoteManagement.AllowRemote {
		host = ""
	}
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, cfg.RemoteManagement.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("management API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Warnf("management API shutdown: %v", err)
		}
		return <-errCh
	}
}
