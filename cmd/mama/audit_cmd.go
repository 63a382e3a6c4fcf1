package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mama/internal/audit"
	"mama/internal/logging"
	"mama/internal/store"
)

func newAuditCmd() *cobra.Command {
	var limit int
	var capability string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the recent audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > 100 {
				return fmt.Errorf("limit must be 1..100")
			}

			cfg, paths, err := loadEnvironment()
			if err != nil {
				return err
			}
			logger := logging.NewConsoleLogger("audit", logging.ParseLevel(cfg.Logging.Level))
			db, err := store.Open(paths.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			if err := db.RunMigrations(ctx); err != nil {
				return err
			}

			auditLog := audit.NewSQLiteStore(db)
			var entries []audit.Entry
			if capability != "" {
				entries, err = auditLog.Query(ctx, audit.Filter{Capability: capability})
			} else {
				entries, err = auditLog.GetRecent(ctx, limit)
			}
			if err != nil {
				return err
			}
			if len(entries) > limit {
				entries = entries[:limit]
			}
			if len(entries) == 0 {
				fmt.Println("No audit entries")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %s.%s  %s  %s",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Capability, e.Action, e.Decision, e.Result)
				if e.Resource != "" {
					line += "  " + e.Resource
				}
				if e.Error != "" {
					line += "  error: " + e.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries (1..100)")
	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability")
	return cmd
}
