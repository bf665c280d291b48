package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/agentgraph/internal/agent"
	"github.com/aristath/agentgraph/internal/catalog"
	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/natsbus"
	"github.com/aristath/agentgraph/internal/orchestrator"
	"github.com/aristath/agentgraph/internal/synth"
	"github.com/aristath/agentgraph/internal/tui"
)

var errJobFailed = errors.New("job failed")

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	tenant      string
	domain      string
	class       string
	playbook    string
	input       string
	answers     string
	timeout     time.Duration
	tui         bool
	nats        bool
	interactive bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one job and print the synthesized document",
		Long: `Run resolves the playbook for --domain and --class (or takes --playbook),
executes it against --input and prints the resulting document as JSON.

Clarification answers come from --answers (one object per round) or, with
--interactive, from a prompt on the terminal. Without either, weak outputs
are flagged for review.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.tenant, "tenant", "", "tenant id recorded on the job")
	f.StringVar(&opts.domain, "domain", "", "domain id")
	f.StringVar(&opts.class, "class", "", "agent class (ingest, query, manage)")
	f.StringVar(&opts.playbook, "playbook", "", "playbook id; overrides --domain/--class lookup")
	f.StringVarP(&opts.input, "input", "i", "", "JSON or YAML input file, - for stdin")
	f.StringVar(&opts.answers, "answers", "", "JSON or YAML file with clarification answers, one object per round")
	f.DurationVar(&opts.timeout, "timeout", 0, "job timeout (default: runtime.job_timeout)")
	f.BoolVar(&opts.tui, "tui", false, "show the live dashboard while the job runs")
	f.BoolVar(&opts.nats, "nats", false, "publish status events over NATS")
	f.BoolVar(&opts.interactive, "interactive", false, "prompt for clarification answers")
	cmd.MarkFlagsMutuallyExclusive("tui", "interactive")
	cmd.MarkFlagsMutuallyExclusive("answers", "interactive")
	return cmd
}

func (a *app) run(ctx context.Context, opts runOptions) error {
	if opts.playbook == "" && (opts.domain == "" || opts.class == "") {
		return errors.New("either --playbook or both --domain and --class are required")
	}
	class := config.AgentClass(opts.class)
	if opts.class != "" && !class.Valid() {
		return fmt.Errorf("unknown class %q", opts.class)
	}

	input, err := a.readInput(opts.input)
	if err != nil {
		return err
	}

	cat, err := catalog.FromConfig(a.cfg)
	if err != nil {
		return err
	}

	// Cancelling the job kills each agent's process group. Anything still tracked
	// once the job has settled is swept here.
	pm := agent.NewProcessManager()
	defer a.killLeftovers(pm)

	invoker, err := agent.FromConfig(cat.Snapshot().Agents(), pm)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	sinks := events.MultiSink{bus, store.StatusRecorder()}
	if opts.nats {
		client, closeNATS, err := a.connectNATS()
		if err != nil {
			return err
		}
		defer closeNATS()
		sinks = append(sinks, natsbus.NewStatusSink(client))
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithSink(sinks),
		orchestrator.WithStore(store),
		orchestrator.WithRuntime(a.cfg.Runtime),
		orchestrator.WithLogger(a.logger),
	}
	clarifier, stopClarifier, err := a.clarifier(ctx, opts)
	if err != nil {
		return err
	}
	defer stopClarifier()
	if clarifier != nil {
		orchOpts = append(orchOpts, orchestrator.WithClarifier(clarifier))
	}
	orch := orchestrator.New(cat, invoker, orchOpts...)

	req := orchestrator.JobRequest{
		TenantID:   opts.tenant,
		DomainID:   opts.domain,
		Class:      class,
		PlaybookID: opts.playbook,
		Input:      input,
		Timeout:    opts.timeout,
	}

	var (
		exec core.JobExecution
		doc  synth.Document
	)
	if opts.tui {
		exec, doc, err = a.runWithTUI(ctx, orch, bus, req)
	} else {
		exec, doc, err = orch.Run(ctx, req)
	}
	if err != nil && exec.JobID == "" {
		return err
	}

	if werr := writeJSON(a.stdout, doc); werr != nil {
		return werr
	}
	a.logger.Info("job finished",
		"job", exec.JobID,
		"status", exec.Status,
		"reason", exec.Reason,
		"rounds", exec.ClarificationRound,
		"needs_review", doc.NeedsReview)

	if exec.Status == core.JobFailed {
		return fmt.Errorf("%w: %s (job %s)", errJobFailed, exec.Reason, exec.JobID)
	}
	return nil
}

func (a *app) killLeftovers(pm *agent.ProcessManager) {
	n := pm.Count()
	if n == 0 {
		return
	}
	a.logger.Warn("killing leftover agent processes", "count", n)
	if err := pm.KillAll(); err != nil {
		a.logger.Warn("error killing subprocesses", "error", err)
	}
}

// runWithTUI starts the job and shows the dashboard until the job finishes or the
// user quits. Quitting early cancels the job.
func (a *app) runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, bus *events.EventBus, req orchestrator.JobRequest) (core.JobExecution, synth.Document, error) {
	// Subscribe before starting so no early events are missed
	model := tui.New(bus, tui.QuitWhenDone())
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	id, err := orch.StartJob(ctx, req)
	if err != nil {
		return core.JobExecution{}, synth.Document{}, err
	}

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		a.logger.Warn("dashboard exited with error", "error", err)
	}
	_ = orch.Cancel(id)
	if n := bus.Dropped(); n > 0 {
		a.logger.Debug("dashboard fell behind", "dropped_events", n)
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	exec, err := orch.Wait(waitCtx, id)
	if err != nil {
		return exec, synth.Document{}, fmt.Errorf("waiting for job %s: %w", id, err)
	}
	doc, err := orch.Result(id)
	return exec, doc, err
}

// clarifier picks the clarification source for a run. The returned stop func is
// always safe to call.
func (a *app) clarifier(ctx context.Context, opts runOptions) (orchestrator.Clarifier, func(), error) {
	switch {
	case opts.interactive:
		chCtx, cancel := context.WithCancel(ctx)
		ch := orchestrator.NewClarificationChannel(1, tui.AskClarification)
		ch.Start(chCtx)
		return ch, func() {
			cancel()
			ch.Stop()
		}, nil

	case opts.answers != "":
		var rounds []core.Output
		if err := config.ReadFile(opts.answers, &rounds); err != nil {
			return nil, nil, fmt.Errorf("answers: %w", err)
		}
		return a.scriptedAnswers(rounds), func() {}, nil
	}
	return nil, func() {}, nil
}

// scriptedAnswers answers round n with rounds[n-1] and stops once they run out.
func (a *app) scriptedAnswers(rounds []core.Output) orchestrator.ClarifierFunc {
	return func(_ context.Context, req orchestrator.ClarificationRequest) (core.Output, error) {
		tui.WriteClarificationSummary(a.stderr, req)
		if req.Round < 1 || req.Round > len(rounds) {
			return nil, orchestrator.ErrClarifierStopped
		}
		return rounds[req.Round-1], nil
	}
}

func (a *app) readInput(path string) (core.Output, error) {
	input := core.Output{}
	switch path {
	case "":
		return input, nil
	case "-":
		if err := json.NewDecoder(a.stdin).Decode(&input); err != nil {
			return nil, fmt.Errorf("parsing input from stdin: %w", err)
		}
		return input, nil
	}
	if err := config.ReadFile(path, &input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	return input, nil
}

// connectNATS connects to the configured server, starting an embedded one when no
// URL is set.
func (a *app) connectNATS() (*natsbus.Client, func(), error) {
	nc := a.cfg.Runtime.NATS
	if nc.URL != "" && !nc.Embedded {
		client, err := natsbus.NewClientFromURL(nc.URL)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	server, err := natsbus.New(nc)
	if err != nil {
		return nil, nil, err
	}
	client, err := natsbus.NewClient(server)
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	a.logger.Info("embedded nats server started", "url", server.ClientURL())
	return client, func() {
		if err := client.Flush(); err != nil {
			a.logger.Warn("nats flush failed", "error", err)
		}
		client.Close()
		server.Close()
	}, nil
}
