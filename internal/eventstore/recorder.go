package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"git.home.luguber.info/inful/ciagent/internal/events"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

// Recorder persists lifecycle events from the bus and keeps the projection
// current. Log lines are not recorded; the state store keeps build logs.
type Recorder struct {
	store      Store
	projection *BuildHistoryProjection
}

// NewRecorder creates a recorder writing to store and folding into projection.
func NewRecorder(store Store, projection *BuildHistoryProjection) *Recorder {
	return &Recorder{store: store, projection: projection}
}

// Projection returns the projection the recorder updates.
func (r *Recorder) Projection() *BuildHistoryProjection { return r.projection }

// Record appends one event and applies it to the projection.
func (r *Recorder) Record(ctx context.Context, evt events.Event) error {
	var buildID, repo string
	switch e := evt.(type) {
	case events.BuildQueued:
		buildID, repo = e.Build.ID, e.Build.RepositoryName
	case events.BuildStarted:
		buildID, repo = e.Build.ID, e.Build.RepositoryName
	case events.BuildFinished:
		buildID, repo = e.Build.ID, e.Build.RepositoryName
	default:
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return wrap(ErrEncode, err)
	}
	rec := Record{BuildID: buildID, Repository: repo, Type: evt.EventType(), At: evt.OccurredAt(), Payload: payload}
	if err := r.store.Append(ctx, rec); err != nil {
		return err
	}
	if r.projection != nil {
		r.projection.Apply(&BaseEvent{
			EventBuildID:    buildID,
			EventRepository: repo,
			EventType:       rec.Type,
			EventTimestamp:  rec.At,
			EventPayload:    payload,
		})
	}
	return nil
}

// Run records events from the bus until ctx ends or the bus closes.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := events.Subscribe[events.Event](bus, 64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Record(context.WithoutCancel(ctx), evt); err != nil {
				slog.Warn("Failed to record build event", slog.String("event_type", evt.EventType()), logfields.Error(err))
			}
		}
	}
}
