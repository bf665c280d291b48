package natsbus

import (
	"fmt"
	"strings"
)

// Subject layout:
//
//	jobs.<job>.agents.<agent>.status   one message per agent transition
//	jobs.<job>.batches                 batch started/settled
//	jobs.<job>.status                  job lifecycle

func TopicAgentStatus(jobID, agentID string) string {
	return fmt.Sprintf("jobs.%s.agents.%s.status", token(jobID), token(agentID))
}

// TopicJobAgents matches the status subjects of every agent in one job.
func TopicJobAgents(jobID string) string {
	return fmt.Sprintf("jobs.%s.agents.*.status", token(jobID))
}

func TopicJobBatches(jobID string) string {
	return fmt.Sprintf("jobs.%s.batches", token(jobID))
}

func TopicJobStatus(jobID string) string {
	return fmt.Sprintf("jobs.%s.status", token(jobID))
}

// TopicJobAll matches every subject for one job.
func TopicJobAll(jobID string) string {
	return fmt.Sprintf("jobs.%s.>", token(jobID))
}

// TopicAllJobs matches every job subject.
const TopicAllJobs = "jobs.>"

// token makes an id safe to use as a single subject token.
func token(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, id)
}
