package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/partsbay/harvester/internal/logger"
)

const readHeaderTimeout = 10 * time.Second

// Server wraps the operational HTTP endpoints in an http.Server.
type Server struct {
	srv    *http.Server
	logger logger.Logger
}

// NewServer creates the API server listening on addr.
func NewServer(addr string, router *gin.Engine, log logger.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: log,
	}
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("api server listening", logger.String("addr", s.srv.Addr))

	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("api server stopping")
	return s.srv.Shutdown(ctx)
}
