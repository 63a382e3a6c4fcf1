package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"mama/internal/llm/costs"
	"mama/internal/logging"
	"mama/internal/store"
)

func newCostCmd() *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show LLM spending",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch costs.Period(period) {
			case costs.PeriodToday, costs.PeriodWeek, costs.PeriodMonth, costs.PeriodAll:
			default:
				return fmt.Errorf("period must be today, week, month, or all")
			}

			cfg, paths, err := loadEnvironment()
			if err != nil {
				return err
			}
			logger := logging.NewConsoleLogger("cost", logging.ParseLevel(cfg.Logging.Level))
			db, err := store.Open(paths.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			if err := db.RunMigrations(ctx); err != nil {
				return err
			}

			summary, err := costs.NewTracker(db).Summarize(ctx, costs.Period(period))
			if err != nil {
				return err
			}

			fmt.Printf("Total: $%.4f (avg $%.4f/day)\n", summary.TotalCostUSD, summary.AvgCostPerDay)

			models := make([]string, 0, len(summary.ByModel))
			for model := range summary.ByModel {
				models = append(models, model)
			}
			sort.Strings(models)
			for _, model := range models {
				stat := summary.ByModel[model]
				fmt.Printf("  %s: $%.4f (%d requests, %d in / %d out tokens)\n",
					model, stat.CostUSD, stat.Requests, stat.InputTokens, stat.OutputTokens)
			}

			providers := make([]string, 0, len(summary.ByProvider))
			for provider := range summary.ByProvider {
				providers = append(providers, provider)
			}
			sort.Strings(providers)
			for _, provider := range providers {
				fmt.Printf("  provider %s: $%.4f\n", provider, summary.ByProvider[provider])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "all", "today | week | month | all")
	return cmd
}
