package api

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github/chapool/go-rebalancer/internal/chain"
	"github/chapool/go-rebalancer/internal/config"
	"github/chapool/go-rebalancer/internal/oracle"
	"github/chapool/go-rebalancer/internal/rebalancer"
	"github/chapool/go-rebalancer/internal/store"
)

// Router groups the echo route namespaces handlers attach to.
type Router struct {
	Routes     []*echo.Route
	Root       *echo.Group
	Management *echo.Group
	APIV1      *echo.Group
}

// Server is the central struct keeping the service dependencies for the
// management HTTP API.
type Server struct {
	Config config.Server
	Echo   *echo.Echo
	Router *Router

	Store  *store.Store
	Engine *rebalancer.Engine
	ChainA chain.Service
	ChainB chain.Service
	Oracle oracle.Service
}

// NewServer creates an API server around the already-wired components.
func NewServer(
	cfg config.Server,
	operationStore *store.Store,
	engine *rebalancer.Engine,
	chainA chain.Service,
	chainB chain.Service,
	oracleService oracle.Service,
) *Server {
	return &Server{
		Config: cfg,
		Store:  operationStore,
		Engine: engine,
		ChainA: chainA,
		ChainB: chainB,
		Oracle: oracleService,
	}
}

// Start begins serving on the configured listen address. Routes must have
// been initialized first.
func (s *Server) Start() error {
	if s.Echo == nil {
		return errors.New("server routes are not initialized")
	}

	if err := s.Echo.Start(s.Config.Echo.ListenAddress); err != nil {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Echo == nil {
		return nil
	}

	return s.Echo.Shutdown(ctx)
}
