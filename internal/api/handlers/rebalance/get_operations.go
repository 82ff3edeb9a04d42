package rebalance

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/api"
	"github/chapool/go-rebalancer/internal/models"
)

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 500
)

// OperationItem is the JSON shape of one persisted rebalance operation.
type OperationItem struct {
	ID                 string `json:"id"`
	Direction          string `json:"direction"`
	TokenAddress       string `json:"tokenAddress"`
	TokenDecimals      int    `json:"tokenDecimals"`
	AmountToBridge     string `json:"amountToBridge"`
	Status             string `json:"status"`
	BridgeTxHash       string `json:"bridgeTxHash,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	SourceChainBalance string `json:"sourceChainBalance"`
	DestChainBalance   string `json:"destChainBalance"`
	CreatedAt          string `json:"createdAt"`
	CompletedAt        string `json:"completedAt,omitempty"`
}

// GetOperationsResponse lists operations newest first.
type GetOperationsResponse struct {
	Operations []*OperationItem `json:"operations"`
}

func GetOperationsRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.GET("/operations", getOperationsHandler(s))
}

func getOperationsHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		limit := defaultOperationsLimit
		if raw := c.QueryParam("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= maxOperationsLimit {
				limit = parsed
			}
		}

		ops, err := s.Store.ListRecent(ctx, limit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list operations")
			return echo.NewHTTPError(http.StatusInternalServerError)
		}

		items := make([]*OperationItem, 0, len(ops))
		for _, op := range ops {
			items = append(items, operationToItem(op))
		}

		return c.JSON(http.StatusOK, &GetOperationsResponse{Operations: items})
	}
}

func operationToItem(op *models.RebalanceOperation) *OperationItem {
	item := &OperationItem{
		ID:                 op.ID,
		Direction:          string(op.Direction),
		TokenAddress:       op.TokenAddress,
		TokenDecimals:      op.TokenDecimals,
		AmountToBridge:     op.AmountToBridge.String(),
		Status:             string(op.Status),
		BridgeTxHash:       op.BridgeTxHash,
		ErrorMessage:       op.ErrorMessage,
		SourceChainBalance: op.SourceChainBalance.String(),
		DestChainBalance:   op.DestChainBalance.String(),
		CreatedAt:          op.CreatedAt.Format(time.RFC3339),
	}

	if !op.CompletedAt.IsZero() {
		item.CompletedAt = op.CompletedAt.Format(time.RFC3339)
	}

	return item
}
