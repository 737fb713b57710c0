package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cogwheel-dev/taskqueue/agentcli"
	"github.com/cogwheel-dev/taskqueue/assessment"
	"github.com/cogwheel-dev/taskqueue/config"
	"github.com/cogwheel-dev/taskqueue/eventbus"
	"github.com/cogwheel-dev/taskqueue/gitpr"
	"github.com/cogwheel-dev/taskqueue/log"
	"github.com/cogwheel-dev/taskqueue/ratelimit"
	"github.com/cogwheel-dev/taskqueue/scheduler"
	"github.com/cogwheel-dev/taskqueue/session"
	"github.com/cogwheel-dev/taskqueue/store"
	"github.com/cogwheel-dev/taskqueue/worktree"
)

var (
	version    = "0.1.0"
	daemonFlag bool

	rootCmd = &cobra.Command{
		Use:   "taskqueue",
		Short: "taskqueue - an autonomous coding-agent task-queue scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(daemonFlag)
			defer log.Close()

			cfg := config.LoadConfig()
			return runEngine(cfg)
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			body, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), body)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskqueue version %s\n", version)
		},
	}
)

func init() {
	rootCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "run with daemon-style log prefixing")

	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

// runEngine wires every component in dependency order (leaves first, per
// the system overview) and blocks until an interrupt or terminate signal
// stops the heartbeat.
func runEngine(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ReposDir, 0755); err != nil {
		return fmt.Errorf("failed to create repos dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorktreesDir, 0755); err != nil {
		return fmt.Errorf("failed to create worktrees dir: %w", err)
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	memStore := store.NewMemory()
	bus := eventbus.New(memStore)
	probe := ratelimit.New(memStore, cfg.AgentCommand, cfg.ProbeInterval(), cfg.ProbeTimeout())
	driver := agentcli.New(cfg.AgentCommand, cfg.TerminateGrace())
	sessions := session.New(memStore, bus, driver, probe, cfg.TerminateGrace())
	worktrees := worktree.New(cfg.WorktreesDir)
	pr := gitpr.New()
	assessClient := assessment.New(cfg.AnthropicAPIKey, cfg.AssessmentModel)

	sched := scheduler.New(ctx, cfg, memStore, bus, probe, sessions, worktrees, pr, assessClient)
	hb := scheduler.NewHeartbeat(cfg.HeartbeatPeriod(), sched, bus)

	log.InfoLog.Printf("taskqueue engine starting, beat every %s, max %d concurrent tasks",
		cfg.HeartbeatPeriod(), cfg.MaxConcurrentTasks)

	hb.Run(ctx)

	log.InfoLog.Printf("taskqueue engine stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
