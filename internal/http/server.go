package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Engine *gin.Engine
	srv    *http.Server
}

func NewServer(cfg RouterConfig) *Server {
	return &Server{Engine: NewRouter(cfg)}
}

// Run blocks until the listener fails or Shutdown is called.
func (s *Server) Run(address string) error {
	s.srv = &http.Server{
		Addr:    address,
		Handler: s.Engine,
		// Streaming responses stay open well past a turn deadline, so no
		// WriteTimeout here; headers are still bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
