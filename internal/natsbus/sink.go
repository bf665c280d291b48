package natsbus

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
)

// StatusSink publishes engine events as JSON. Publish failures are logged and
// dropped; delivery is best effort.
type StatusSink struct {
	client *Client
	logger *slog.Logger
}

// NewStatusSink creates a sink publishing through c.
func NewStatusSink(c *Client) *StatusSink {
	return &StatusSink{client: c, logger: slog.Default()}
}

// Emit implements events.Sink.
func (s *StatusSink) Emit(ev events.Event) {
	var (
		topic   string
		payload any
	)
	switch e := ev.(type) {
	case events.AgentStatusEvent:
		topic, payload = TopicAgentStatus(e.Status.JobID, e.Status.AgentID), e.Status
	case events.BatchEvent:
		topic, payload = TopicJobBatches(e.Job), e
	case events.JobEvent:
		topic, payload = TopicJobStatus(e.Job), e
	default:
		return
	}
	if err := s.client.PublishJSON(topic, payload); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// Watch subscribes to every event of one job and re-emits them into sink, so a
// remote process can drive the same consumers as an in-process run. Messages
// arrive on the NATS client's goroutine.
func Watch(c *Client, jobID string, sink events.Sink) (*nats.Subscription, error) {
	return watch(c, TopicJobAll(jobID), sink)
}

// WatchAgents is Watch restricted to agent status events.
func WatchAgents(c *Client, jobID string, sink events.Sink) (*nats.Subscription, error) {
	return watch(c, TopicJobAgents(jobID), sink)
}

// WatchAll follows every job on the server.
func WatchAll(c *Client, sink events.Sink) (*nats.Subscription, error) {
	return watch(c, TopicAllJobs, sink)
}

func watch(c *Client, subject string, sink events.Sink) (*nats.Subscription, error) {
	return c.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := decode(msg.Subject, msg.Data)
		if err != nil {
			slog.Debug("dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		if ev != nil {
			sink.Emit(ev)
		}
	})
}

func decode(subject string, data []byte) (events.Event, error) {
	switch {
	case strings.HasSuffix(subject, ".batches"):
		var ev events.BatchEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case strings.Contains(subject, ".agents."):
		var st core.StatusEvent
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, err
		}
		return events.AgentStatusEvent{Status: st}, nil
	case strings.HasSuffix(subject, ".status"):
		var ev events.JobEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, nil
}
