package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mama/internal/audit"
	"mama/internal/logging"
	"mama/internal/scheduler"
	"mama/internal/store"
)

// openScheduler opens the job store for CLI use. Schedule parsing runs
// without an LLM here; cron expressions and common phrases still work.
func openScheduler(ctx context.Context) (*scheduler.Service, func(), error) {
	cfg, paths, err := loadEnvironment()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewConsoleLogger("jobs", logging.ParseLevel(cfg.Logging.Level))
	db, err := store.Open(paths.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	svc := scheduler.New(db, nil, scheduler.NewParser(nil, logger), audit.NewSQLiteStore(db), logger)
	return svc, func() { db.Close() }, nil
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				svc, done, err := openScheduler(ctx)
				if err != nil {
					return err
				}
				defer done()
				jobs, err := svc.ListJobs(ctx)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("No scheduled jobs")
					return nil
				}
				for _, job := range jobs {
					state := "disabled"
					next := "-"
					if job.Enabled {
						state = "enabled"
						if job.NextRun != nil {
							next = job.NextRun.Format("2006-01-02 15:04")
						}
					}
					fmt.Printf("%s  [%s]  %s  next=%s  runs=%d\n  %s\n",
						job.ID, state, job.Schedule, next, job.RunCount, job.Task)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <schedule> <task...>",
			Short: "Create a job from a cron expression or natural phrase",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				svc, done, err := openScheduler(ctx)
				if err != nil {
					return err
				}
				defer done()
				job, err := svc.CreateJob(ctx, "", args[0], strings.Join(args[1:], " "), "cron")
				if err != nil {
					return err
				}
				fmt.Printf("Created job %s (%s)\n", job.ID, job.Schedule)
				return nil
			},
		},
		jobActionCmd("enable", "Enable a job", func(ctx context.Context, svc *scheduler.Service, id string) error {
			return svc.EnableJob(ctx, id)
		}),
		jobActionCmd("disable", "Disable a job", func(ctx context.Context, svc *scheduler.Service, id string) error {
			return svc.DisableJob(ctx, id)
		}),
		jobActionCmd("delete", "Delete a job", func(ctx context.Context, svc *scheduler.Service, id string) error {
			return svc.DeleteJob(ctx, id)
		}),
	)
	return cmd
}

func jobActionCmd(name, short string, action func(context.Context, *scheduler.Service, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, done, err := openScheduler(ctx)
			if err != nil {
				return err
			}
			defer done()
			if err := action(ctx, svc, args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %s: %sd\n", args[0], name)
			return nil
		},
	}
}
