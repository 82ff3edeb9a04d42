package rebalance

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/api"
)

func GetCurrentOperationRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.GET("/operations/current", getCurrentOperationHandler(s))
}

func getCurrentOperationHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		op, err := s.Store.FindOldestUnfinished(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load current operation")
			return echo.NewHTTPError(http.StatusInternalServerError)
		}

		if op == nil {
			return echo.NewHTTPError(http.StatusNotFound, "no unfinished operation")
		}

		return c.JSON(http.StatusOK, operationToItem(op))
	}
}
