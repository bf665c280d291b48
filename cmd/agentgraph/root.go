package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/logging"
	"github.com/aristath/agentgraph/internal/persistence"
)

// app is the state shared by every subcommand.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "agentgraph",
		Short: "Run playbooks of dependent agents as concurrent batches",
		Long: `agentgraph resolves a playbook for a domain and class, plans its agent
dependency graph into batches, runs each batch concurrently, asks for
clarification when outputs are weak, and synthesizes one document per job.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "project config file (default: .agentgraph/config.yaml)")
	pf.String("global-config", "", "global config file (default: ~/.agentgraph/config.yaml)")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (auto, text, json)")
	pf.String("store", "", "SQLite database path; empty keeps results in memory")
	pf.String("nats-url", "", "NATS server URL; empty starts an embedded server when needed")

	// Bind flags to viper (errors are nil when flag exists)
	_ = a.v.BindPFlag("config", pf.Lookup("config"))
	_ = a.v.BindPFlag("global_config", pf.Lookup("global-config"))
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = a.v.BindPFlag("store", pf.Lookup("store"))
	_ = a.v.BindPFlag("nats.url", pf.Lookup("nats-url"))

	a.v.SetEnvPrefix("AGENTGRAPH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newInitCmd(a),
		newRunCmd(a),
		newValidateCmd(a),
		newPlanCmd(a),
		newGraphCmd(a),
		newJobsCmd(a),
		newWatchCmd(a),
		newVersionCmd(a),
	)
	return root
}

// init loads configuration files, applies flag and environment overrides, and
// installs the logger.
func (a *app) init(cmd *cobra.Command) error {
	a.stdin = cmd.InOrStdin()
	a.stdout = cmd.OutOrStdout()
	a.stderr = cmd.ErrOrStderr()

	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return err
	}
	if p := a.v.GetString("global_config"); p != "" {
		globalPath = p
	}
	if p := a.v.GetString("config"); p != "" {
		projectPath = p
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}

	rt := &cfg.Runtime
	if s := a.v.GetString("log.level"); s != "" {
		rt.Log.Level = s
	}
	if s := a.v.GetString("log.format"); s != "" {
		rt.Log.Format = s
	}
	if a.v.IsSet("store") {
		rt.StorePath = a.v.GetString("store")
	}
	if s := a.v.GetString("nats.url"); s != "" {
		rt.NATS.URL = s
	}

	a.cfg = cfg
	a.logger = logging.Setup(rt.Log, a.stderr)
	return nil
}

// openStore opens the configured database, or an in-memory one when no path is set.
func (a *app) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	if a.cfg.Runtime.StorePath == "" {
		return persistence.NewMemoryStore(ctx)
	}
	return persistence.NewSQLiteStore(ctx, a.cfg.Runtime.StorePath)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "agentgraph %s\n", version)
			fmt.Fprintf(a.stdout, "  commit: %s\n", commit)
		},
	}
}
