package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/agentgraph/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter project config",
		Long: `Init writes the default runtime settings plus one example domain, three
static agents and a playbook wiring them together. The file goes to --config,
or .agentgraph/config.yaml when unset.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := a.v.GetString("config")
			if path == "" {
				_, projectPath, err := config.DefaultPaths()
				if err != nil {
					return err
				}
				path = projectPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(starterConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func starterConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Domains["tickets"] = config.Domain{ID: "tickets", Name: "Support tickets"}
	cfg.Agents["extract"] = config.Agent{
		ID:               "extract",
		Class:            config.ClassIngest,
		Kind:             config.KindStatic,
		OutputSchema:     config.OutputSchema{"title": config.FieldString},
		Static:           map[string]any{"title": "example ticket"},
		StaticConfidence: 0.95,
	}
	cfg.Agents["classify"] = config.Agent{
		ID:               "classify",
		Class:            config.ClassIngest,
		Kind:             config.KindStatic,
		Dependencies:     []string{"extract"},
		OutputSchema:     config.OutputSchema{"category": config.FieldString},
		Static:           map[string]any{"category": "general"},
		StaticConfidence: 0.95,
	}
	cfg.Agents["route"] = config.Agent{
		ID:           "route",
		Class:        config.ClassIngest,
		Kind:         config.KindStatic,
		Dependencies: []string{"classify"},
		Static:       map[string]any{"queue": "first-line"},
	}
	cfg.Playbooks["triage"] = config.Playbook{
		ID:       "triage",
		DomainID: "tickets",
		Class:    config.ClassIngest,
		Graph:    config.DependencyGraph{Nodes: []string{"extract", "classify", "route"}},
	}
	return cfg
}
