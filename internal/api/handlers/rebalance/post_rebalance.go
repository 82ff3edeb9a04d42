package rebalance

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github/chapool/go-rebalancer/internal/api"
)

// PostRebalanceRoute triggers a rebalance check outside the regular
// schedule. The engine's single-flight rule still applies.
func PostRebalanceRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.POST("/rebalance", postRebalanceHandler(s))
}

func postRebalanceHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		// detach from the request; a bridge transfer outlives any sane
		// HTTP timeout. The busy flag is taken before we answer, so a
		// 202 means this request's check runs and a concurrent request
		// gets the 409.
		if err := s.Engine.TriggerTick(context.Background()); err != nil {
			return echo.NewHTTPError(http.StatusConflict, "a rebalance check is already running")
		}

		return c.NoContent(http.StatusAccepted)
	}
}
