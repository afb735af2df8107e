// Package queue carries the job orchestration layer on RabbitMQ.
//
// Every queue is declared as a triplet: the main queue, a .retry queue whose
// per-message TTL dead-letters back into the main queue (delayed redelivery
// without a scheduler), and a .dlq that keeps exhausted jobs for inspection.
package queue

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Name identifies a job queue.
type Name string

const (
	// Activation runs the first directory refresh and full backfill for a
	// pending account.
	Activation Name = "activation"
	// Directory refreshes an account's chat directory.
	Directory Name = "directory-refresh"
	// MessageSync synchronizes one or more conversations.
	MessageSync Name = "message-sync"
)

// Names lists every queue the topology declares.
func Names() []Name { return []Name{Activation, Directory, MessageSync} }

func (n Name) retry() string { return string(n) + ".retry" }
func (n Name) dlq() string   { return string(n) + ".dlq" }

// Job is the wire payload for all three queues. ChatURLs is only set for
// message-sync jobs; FollowUnread asks a directory refresh to chain a sync
// of the unread threads it discovers.
type Job struct {
	JobID        string   `json:"job_id"`
	AccountID    int64    `json:"account_id"`
	ChatURLs     []string `json:"chat_urls,omitempty"`
	FollowUnread bool     `json:"follow_unread,omitempty"`
	Attempt      int      `json:"attempt"`
}

func (j Job) encode() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return b, nil
}

func decodeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// NewJobID returns a sortable unique job id.
func NewJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
