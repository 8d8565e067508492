// Package events carries build lifecycle notifications from the agent to the
// status feed, the notifier and the metrics recorder.
//
// Events are not durable; internal/eventstore keeps the persisted history.
package events

import (
	"time"

	"git.home.luguber.info/inful/ciagent/internal/build"
)

// Event is implemented by every event published on the bus. Subscribing to
// Event receives all of them.
type Event interface {
	EventType() string
	OccurredAt() time.Time
}

const (
	TypeBuildQueued       = "build.queued"
	TypeBuildStarted      = "build.started"
	TypeBuildFinished     = "build.finished"
	TypeLogLineAppended   = "build.log"
	TypeRepositoryUpdated = "repository.updated"
)

// BuildQueued is published once a pending build was admitted to the queue.
type BuildQueued struct {
	Build       build.Snapshot `json:"build"`
	QueueLength int            `json:"queue_length"`
	At          time.Time      `json:"at"`
}

// BuildStarted is published when a worker moved a build to Running.
type BuildStarted struct {
	Build  build.Snapshot `json:"build"`
	Worker int            `json:"worker"`
	At     time.Time      `json:"at"`
}

// BuildFinished is published after a build reached a terminal status and
// its repository refreshed its latest status.
type BuildFinished struct {
	Build build.Snapshot `json:"build"`
	At    time.Time      `json:"at"`
}

// LogLineAppended is published for each output line, in emission order.
type LogLineAppended struct {
	BuildID    string    `json:"build_id"`
	Repository string    `json:"repository"`
	Index      int       `json:"index"`
	Line       string    `json:"line"`
	At         time.Time `json:"at"`
}

// RepositoryUpdated is published when a repository's derived data or cached
// latest status changed.
type RepositoryUpdated struct {
	Repository   string    `json:"repository"`
	LatestStatus string    `json:"latest_status,omitempty"`
	Cloned       bool      `json:"cloned"`
	Branches     []string  `json:"branches,omitempty"`
	Schemes      []string  `json:"schemes,omitempty"`
	Platforms    []string  `json:"platforms,omitempty"`
	At           time.Time `json:"at"`
}

func (BuildQueued) EventType() string       { return TypeBuildQueued }
func (BuildStarted) EventType() string      { return TypeBuildStarted }
func (BuildFinished) EventType() string     { return TypeBuildFinished }
func (LogLineAppended) EventType() string   { return TypeLogLineAppended }
func (RepositoryUpdated) EventType() string { return TypeRepositoryUpdated }

func (e BuildQueued) OccurredAt() time.Time       { return e.At }
func (e BuildStarted) OccurredAt() time.Time      { return e.At }
func (e BuildFinished) OccurredAt() time.Time     { return e.At }
func (e LogLineAppended) OccurredAt() time.Time   { return e.At }
func (e RepositoryUpdated) OccurredAt() time.Time { return e.At }
