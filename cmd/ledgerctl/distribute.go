package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/coinvest/ledger-engine/internal/model"
)

func newDistributeCmd() *cobra.Command {
	var (
		server    string
		riskLevel string
		profit    string
		stake     string
		tradeID   string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Send a realized-profit report to the sell callback, as the trading bot does",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := model.ParseRiskTier(riskLevel)
			if err != nil {
				return err
			}
			if _, err := decimal.NewFromString(profit); err != nil {
				return fmt.Errorf("bad --profit %q: %w", profit, err)
			}

			params := url.Values{}
			params.Set("risk_level", string(tier))
			params.Set("profit_usd", profit)
			if stake != "" {
				s, err := decimal.NewFromString(stake)
				if err != nil || !s.IsPositive() {
					return fmt.Errorf("bad --stake %q: must be a positive decimal", stake)
				}
				params.Set("stake_amount", stake)
			}
			if tradeID != "" {
				params.Set("trade_id", tradeID)
			}

			endpoint := strings.TrimRight(server, "/") + "/trade/callback/sell?" + params.Encode()
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return fmt.Errorf("callback: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("callback returned %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "ledger-engine base URL")
	cmd.Flags().StringVar(&riskLevel, "risk-level", "", "risk tier: low, medium or high")
	cmd.Flags().StringVar(&profit, "profit", "", "realized profit in USD (may be negative)")
	cmd.Flags().StringVar(&stake, "stake", "", "optional capital ceiling override")
	cmd.Flags().StringVar(&tradeID, "trade-id", "", "optional trade id for deduplication")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("risk-level")
	_ = cmd.MarkFlagRequired("profit")

	return cmd
}
