package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"opportunity-dispatch/internal/app"
)

var (
	ingestSymbol    string
	ingestBuyVenue  string
	ingestSellVenue string
	ingestBuyPrice  string
	ingestSellPrice string

	unsubscribe bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Queue an opportunity for distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		buy, err := decimal.NewFromString(ingestBuyPrice)
		if err != nil {
			return fmt.Errorf("invalid --buy-price value: %w", err)
		}
		sell, err := decimal.NewFromString(ingestSellPrice)
		if err != nil {
			return fmt.Errorf("invalid --sell-price value: %w", err)
		}

		opp, err := getApp().Ingest(cmd.Context(), app.IngestOptions{
			Symbol:    ingestSymbol,
			BuyVenue:  ingestBuyVenue,
			SellVenue: ingestSellVenue,
			BuyPrice:  buy,
			SellPrice: sell,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, opp)
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe USER_ID...",
	Short: "Opt users in to (or with --remove, out of) deliveries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Subscribe(cmd.Context(), args, !unsubscribe)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSymbol, "symbol", "", "Asset symbol, e.g. BTC")
	ingestCmd.Flags().StringVar(&ingestBuyVenue, "buy-venue", "", "Venue to buy on")
	ingestCmd.Flags().StringVar(&ingestSellVenue, "sell-venue", "", "Venue to sell on")
	ingestCmd.Flags().StringVar(&ingestBuyPrice, "buy-price", "", "Buy price")
	ingestCmd.Flags().StringVar(&ingestSellPrice, "sell-price", "", "Sell price")
	_ = ingestCmd.MarkFlagRequired("symbol")
	_ = ingestCmd.MarkFlagRequired("buy-price")
	_ = ingestCmd.MarkFlagRequired("sell-price")

	subscribeCmd.Flags().BoolVar(&unsubscribe, "remove", false, "Deactivate the users instead")
}
