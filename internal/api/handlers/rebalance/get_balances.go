package rebalance

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/api"
	"github/chapool/go-rebalancer/internal/chain"
	"github/chapool/go-rebalancer/internal/config"
)

// ChainBalance is one chain's live balance in smallest units plus the USD
// price the oracle reports for the tracked token.
type ChainBalance struct {
	Chain        string  `json:"chain"`
	ChainID      int64   `json:"chainId"`
	TokenAddress string  `json:"tokenAddress"`
	Balance      string  `json:"balance"`
	PriceUSD     float64 `json:"priceUsd"`
}

// GetBalancesResponse reports both chains.
type GetBalancesResponse struct {
	Balances []*ChainBalance `json:"balances"`
}

func GetBalancesRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.GET("/balances", getBalancesHandler(s))
}

func getBalancesHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		balances := make([]*ChainBalance, 0, 2)
		for _, side := range []struct {
			cfg    config.Chain
			client chain.Service
		}{
			{s.Config.ChainA, s.ChainA},
			{s.Config.ChainB, s.ChainB},
		} {
			balance, err := side.client.TokenBalance(ctx, common.HexToAddress(side.cfg.TokenAddress))
			if err != nil {
				log.Error().Err(err).Str("chain", side.cfg.Name).Msg("Failed to read balance")
				return echo.NewHTTPError(http.StatusBadGateway, "balance read failed")
			}

			price, err := s.Oracle.GetPrice(ctx, side.cfg.ChainID, side.cfg.TokenAddress)
			if err != nil {
				log.Warn().Err(err).Str("chain", side.cfg.Name).Msg("Failed to read price")
				price = 0
			}

			balances = append(balances, &ChainBalance{
				Chain:        side.cfg.Name,
				ChainID:      side.cfg.ChainID,
				TokenAddress: side.cfg.TokenAddress,
				Balance:      balance.String(),
				PriceUSD:     price,
			})
		}

		return c.JSON(http.StatusOK, &GetBalancesResponse{Balances: balances})
	}
}
