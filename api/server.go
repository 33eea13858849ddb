package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/storage"
	"peerdrop/transfer"
)

const shutdownTimeout = 5 * time.Second

// Status describes the node for GET /api/status.
type Status struct {
	PeerID    string    `json:"peer_id"`
	Substrate string    `json:"substrate"`
	State     string    `json:"state"`
	Remote    string    `json:"remote,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Backend is what the HTTP surface reads from and acts on.
type Backend interface {
	Status() Status
	Snapshot(ctx context.Context) (transfer.Snapshot, error)
	History(filter storage.TransferFilter) ([]storage.TransferRecord, error)
	Artifacts() []models.Artifact
	Artifact(id string) (models.Artifact, error)
	SaveArtifact(ctx context.Context, id string) (string, error)
	DiscardArtifact(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Server is the local HTTP surface.
type Server struct {
	backend Backend
	engine  *gin.Engine
	log     *logrus.Entry
}

// NewServer builds the router. A nil logger uses the standard logger.
func NewServer(backend Backend, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.WithField("component", "api")
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		backend: backend,
		engine:  gin.New(),
		log:     logger,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve runs on listener until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.log.WithField("address", listener.Addr().String()).Info("api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

func (s *Server) routes() {
	group := s.engine.Group("/api")
	group.GET("/status", s.getStatus)
	group.GET("/transfers", s.listTransfers)
	group.DELETE("/transfers/:id", s.cancelTransfer)
	group.GET("/artifacts", s.listArtifacts)
	group.GET("/artifacts/:id", s.downloadArtifact)
	group.POST("/artifacts/:id/save", s.saveArtifact)
	group.DELETE("/artifacts/:id", s.discardArtifact)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("api request")
	}
}
