package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mama/internal/logging"
	"mama/internal/memory"
	"mama/internal/store"
)

func openMemory(ctx context.Context) (*memory.ConsolidatedStore, *store.Store, func(), error) {
	cfg, paths, err := loadEnvironment()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.NewConsoleLogger("memory", logging.ParseLevel(cfg.Logging.Level))
	db, err := store.Open(paths.Database, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	memories := memory.NewConsolidatedStore(db, memory.NewEmbeddingService(nil, logger), logger)
	return memories, db, func() { db.Close() }, nil
}

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage long-term memory",
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search consolidated memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			memories, _, done, err := openMemory(ctx)
			if err != nil {
				return err
			}
			defer done()
			found, err := memories.Search(ctx, args[0], memory.MemorySearchOptions{TopK: 10})
			if err != nil {
				return err
			}
			printMemories(found)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active memories, strongest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			memories, _, done, err := openMemory(ctx)
			if err != nil {
				return err
			}
			defer done()
			active, err := memories.GetActive(ctx, 0)
			if err != nil {
				return err
			}
			printMemories(active)
			return nil
		},
	}

	forget := &cobra.Command{
		Use:   "forget <id>",
		Short: "Deactivate a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			memories, _, done, err := openMemory(ctx)
			if err != nil {
				return err
			}
			defer done()
			if err := memories.Deactivate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Memory %s deactivated\n", args[0])
			return nil
		},
	}

	consolidate := &cobra.Command{
		Use:   "consolidate",
		Short: "Run a consolidation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadEnvironment()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, paths, true)
			ctx := cmd.Context()
			application, err := newApp(ctx, cfg, paths, logger)
			if err != nil {
				return err
			}
			defer application.close()

			report, err := application.consolidation.Run(ctx, memory.RunOptions{
				Force:          true,
				RunDecay:       true,
				RegenerateSoul: true,
			})
			if err != nil {
				return err
			}
			if report.Skipped {
				fmt.Println("Skipped:", report.SkipReason)
				return nil
			}
			fmt.Printf("Processed %d episodes: %d new, %d reinforced, %d updated, %d contradicted, %d decayed\n",
				report.EpisodesProcessed, report.Created, report.Reinforced,
				report.Updated, report.Contradicted, report.Decayed)
			for _, e := range report.Errors {
				fmt.Println("warning:", e)
			}
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, done, err := openMemory(ctx)
			if err != nil {
				return err
			}
			defer done()

			var episodes, pending, active, inactive int
			_ = db.QueryRow(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&episodes)
			_ = db.QueryRow(ctx, `SELECT COUNT(*) FROM episodes WHERE consolidated = 0`).Scan(&pending)
			_ = db.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE active = 1`).Scan(&active)
			_ = db.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE active = 0`).Scan(&inactive)

			fmt.Printf("Episodes: %d (%d pending consolidation)\n", episodes, pending)
			fmt.Printf("Memories: %d active, %d deactivated\n", active, inactive)

			rows, err := db.Query(ctx, `SELECT category, COUNT(*) FROM memories WHERE active = 1 GROUP BY category ORDER BY category`)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var category string
				var count int
				if err := rows.Scan(&category, &count); err != nil {
					return err
				}
				fmt.Printf("  %s: %d\n", category, count)
			}
			return rows.Err()
		},
	}

	cmd.AddCommand(search, list, forget, consolidate, stats)
	return cmd
}

func printMemories(memories []memory.ConsolidatedMemory) {
	if len(memories) == 0 {
		fmt.Println("No memories")
		return
	}
	for _, mem := range memories {
		fmt.Printf("%s  [%s, %.2f]  %s\n", mem.ID, mem.Category, mem.Confidence, mem.Content)
	}
}
