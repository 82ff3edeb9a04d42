// Package router attaches middleware and all route handlers to an api.Server.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github/chapool/go-rebalancer/internal/api"
	"github/chapool/go-rebalancer/internal/api/handlers/common"
	"github/chapool/go-rebalancer/internal/api/handlers/rebalance"
)

// Init builds the echo instance and registers every route.
func Init(s *api.Server) {
	s.Echo = echo.New()
	s.Echo.HideBanner = true
	s.Echo.HidePort = true

	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestID())

	s.Router = &api.Router{
		Root:       s.Echo.Group(""),
		Management: s.Echo.Group("/-"),
		APIV1:      s.Echo.Group("/api/v1"),
	}

	s.Router.Routes = []*echo.Route{
		common.GetHealthyRoute(s),
		common.GetReadyRoute(s),
		common.GetMetricsRoute(s),
		rebalance.GetOperationsRoute(s),
		rebalance.GetCurrentOperationRoute(s),
		rebalance.GetBalancesRoute(s),
		rebalance.PostRebalanceRoute(s),
	}
}
