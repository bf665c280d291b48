package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/natsbus"
	"github.com/aristath/agentgraph/internal/persistence"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored jobs",
	}
	cmd.AddCommand(newJobsListCmd(a), newJobsShowCmd(a))
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tPLAYBOOK\tSTATUS\tREASON\tSTARTED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					j.JobID, j.PlaybookID, j.Status, j.Reason, j.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum jobs to list, 0 for all")
	return cmd
}

// jobReport is what `jobs show` prints.
type jobReport struct {
	Job    core.JobExecution  `json:"job"`
	Result any                `json:"result,omitempty"`
	Events []core.StatusEvent `json:"events,omitempty"`
}

func newJobsShowCmd(a *app) *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print a stored job, its result and optionally its status log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := loadReport(ctx, store, args[0], withEvents)
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, report)
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include every recorded status event")
	return cmd
}

func loadReport(ctx context.Context, store persistence.Store, jobID string, withEvents bool) (jobReport, error) {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return jobReport{}, err
	}
	report := jobReport{Job: job}

	doc, err := store.GetResult(ctx, jobID)
	switch {
	case err == nil:
		report.Result = doc
	case !errors.Is(err, persistence.ErrNotFound):
		return jobReport{}, err
	}

	if withEvents {
		report.Events, err = store.ListStatus(ctx, jobID)
		if err != nil {
			return jobReport{}, err
		}
	}
	return report, nil
}

func newWatchCmd(a *app) *cobra.Command {
	var agentsOnly bool
	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Follow status events over NATS",
		Long: `Watch subscribes to events on the NATS server given by --nats-url and prints
one line per event. With a job id it stops when that job finishes; without one
it follows every job until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentsOnly && len(args) == 0 {
				return errors.New("--agents needs a job id")
			}
			url := a.cfg.Runtime.NATS.URL
			if url == "" {
				return errors.New("watch needs --nats-url or runtime.nats.url")
			}
			client, err := natsbus.NewClientFromURL(url)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sub, err := a.watch(client, args, agentsOnly, cancel)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&agentsOnly, "agents", false, "only agent status events")
	return cmd
}

// watch subscribes to the subjects selected by args and agentsOnly. done is called
// when a followed job finishes.
func (a *app) watch(client *natsbus.Client, args []string, agentsOnly bool, done func()) (*nats.Subscription, error) {
	printEvent := events.SinkFunc(func(ev events.Event) {
		fmt.Fprintln(a.stdout, formatEvent(ev))
	})
	switch {
	case len(args) == 0:
		return natsbus.WatchAll(client, printEvent)
	case agentsOnly:
		// Agent subjects carry no job lifecycle, so this runs until interrupted.
		return natsbus.WatchAgents(client, args[0], printEvent)
	}
	return natsbus.Watch(client, args[0], events.SinkFunc(func(ev events.Event) {
		printEvent.Emit(ev)
		if ev.EventType() == events.EventTypeJobFinished {
			done()
		}
	}))
}

func formatEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.AgentStatusEvent:
		st := e.Status
		line := fmt.Sprintf("%s agent %-20s %s", st.Timestamp.Format(time.TimeOnly), st.AgentID, st.State)
		if st.State == core.StateComplete {
			line += fmt.Sprintf(" confidence=%.2f", st.Confidence)
		}
		if st.Message != "" {
			line += " " + st.Message
		}
		return line
	case events.BatchEvent:
		verb := "started"
		if e.Settled {
			verb = fmt.Sprintf("settled completed=%d failed=%d", e.Completed, e.Failed)
		}
		return fmt.Sprintf("%s batch %d/%d round %d %s", e.Timestamp.Format(time.TimeOnly), e.Index+1, e.Total, e.Round, verb)
	case events.JobEvent:
		line := fmt.Sprintf("%s job %s phase=%s status=%s", e.Timestamp.Format(time.TimeOnly), e.Type, e.Phase, e.Status)
		if e.Reason != "" {
			line += " reason=" + e.Reason
		}
		return line
	}
	return ev.EventType()
}
