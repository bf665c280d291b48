package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/agentgraph/internal/catalog"
	"github.com/aristath/agentgraph/internal/graph"
	"github.com/aristath/agentgraph/internal/scheduler"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every agent and playbook graph",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.validate()
		},
	}
}

// validate reports every problem instead of stopping at the first.
func (a *app) validate() error {
	var errs []error

	agentIDs := slices.Sorted(maps.Keys(a.cfg.Agents))
	for _, id := range agentIDs {
		if err := graph.Validate(id, a.cfg.Agents[id].Dependencies, a.cfg.Agents); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", id, err))
		}
	}

	pbIDs := slices.Sorted(maps.Keys(a.cfg.Playbooks))
	for _, id := range pbIDs {
		pb := a.cfg.Playbooks[id]
		g := graph.EffectiveGraph(pb, a.cfg.Agents)
		if err := graph.ValidateGraph(g, pb.Class, a.cfg.Agents); err != nil {
			errs = append(errs, fmt.Errorf("playbook %q: %w", id, err))
			continue
		}
		plan, err := scheduler.BuildPlan(g.Nodes, g.Edges)
		if err != nil {
			errs = append(errs, fmt.Errorf("playbook %q: %w", id, err))
			continue
		}
		fmt.Fprintf(a.stdout, "ok  %-24s %d agents, %d batches\n", id, plan.Len(), len(plan.Batches))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%d agents, %d playbooks valid\n", len(agentIDs), len(pbIDs))
	return nil
}

func newPlanCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <playbook>",
		Short: "Print the batches a playbook runs in",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cat, err := catalog.FromConfig(a.cfg)
			if err != nil {
				return err
			}
			snap := cat.Snapshot()
			pb, err := snap.GetPlaybook(args[0])
			if err != nil {
				return err
			}
			g := graph.EffectiveGraph(pb, snap.Agents())
			plan, err := scheduler.BuildPlan(g.Nodes, g.Edges)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, plan)
			}
			for i, batch := range plan.Batches {
				fmt.Fprintf(a.stdout, "batch %d: %s\n", i+1, strings.Join(batch, ", "))
			}
			fmt.Fprintf(a.stdout, "serial:  %s\n", strings.Join(plan.Order, " -> "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

func newGraphCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "graph <agent>",
		Short: "Print an agent's transitive dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vis := graph.BuildVisualization(args[0], a.cfg.Agents)
			if asJSON {
				return writeJSON(a.stdout, vis)
			}
			for _, n := range vis.Nodes {
				mark := ""
				switch {
				case n.Root:
					mark = " (root)"
				case n.Missing:
					mark = " (missing)"
				}
				fmt.Fprintf(a.stdout, "%s [%s]%s\n", n.ID, n.Class, mark)
			}
			for _, e := range vis.Edges {
				fmt.Fprintf(a.stdout, "  %s -> %s\n", e.From, e.To)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the graph as JSON")
	return cmd
}
