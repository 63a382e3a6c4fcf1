package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mama/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or manage the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground()
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "foreground",
			Short: "Run the daemon in the foreground",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runForeground()
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the daemon in the background",
			RunE: func(cmd *cobra.Command, args []string) error {
				return startDetached()
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the running daemon",
			RunE: func(cmd *cobra.Command, args []string) error {
				return stopDaemon()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the daemon is running",
			RunE: func(cmd *cobra.Command, args []string) error {
				return daemonStatus()
			},
		},
		&cobra.Command{
			Use:   "logs",
			Short: "Print the daemon log",
			RunE: func(cmd *cobra.Command, args []string) error {
				return showLogs()
			},
		},
	)
	return cmd
}

func runForeground() error {
	cfg, paths, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, paths, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := newApp(ctx, cfg, paths, logger)
	if err != nil {
		return err
	}
	defer application.close()

	sup := application.buildSupervisor()
	if err := sup.Start(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("Received %s, shutting down", sig)

	sup.Stop()
	cancel()
	return nil
}

func startDetached() error {
	_, paths, err := loadEnvironment()
	if err != nil {
		return err
	}
	if pid := daemon.ReadPID(paths.PIDFile); pid != 0 && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}

	executable, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(executable, "daemon", "foreground")
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("Daemon starting with pid %d\n", child.Process.Pid)
	return nil
}

func stopDaemon() error {
	_, paths, err := loadEnvironment()
	if err != nil {
		return err
	}
	pid := daemon.ReadPID(paths.PIDFile)
	if pid == 0 || !daemon.ProcessAlive(pid) {
		daemon.RemovePID(paths.PIDFile)
		fmt.Println("Daemon is not running")
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	for i := 0; i < 50; i++ {
		if !daemon.ProcessAlive(pid) {
			fmt.Println("Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon pid %d did not exit", pid)
}

func daemonStatus() error {
	_, paths, err := loadEnvironment()
	if err != nil {
		return err
	}
	pid := daemon.ReadPID(paths.PIDFile)
	if pid != 0 && daemon.ProcessAlive(pid) {
		fmt.Printf("Daemon running with pid %d\n", pid)
	} else {
		fmt.Println("Daemon is not running")
	}
	return nil
}

func showLogs() error {
	_, paths, err := loadEnvironment()
	if err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(paths.LogDir, "*.log"))
	if err != nil || len(matches) == 0 {
		fmt.Println("No log files")
		return nil
	}
	sort.Strings(matches)
	latest := matches[len(matches)-1]
	raw, err := os.ReadFile(latest)
	if err != nil {
		return err
	}
	fmt.Print(string(raw))
	return nil
}
