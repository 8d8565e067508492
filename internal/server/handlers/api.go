package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/ciagent/internal/agent"
	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/eventstore"
	"git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/repository"
	"git.home.luguber.info/inful/ciagent/internal/server/responses"
)

// DefaultRecentBuilds bounds the builds per repository in the snapshot.
const DefaultRecentBuilds = 10

// AgentInterface defines the agent methods the handlers need.
type AgentInterface interface {
	Repositories() []*repository.Repository
	Repository(name string) (*repository.Repository, bool)
	Build(id string) (*build.Build, *repository.Repository, bool)
	RequestBuild(ctx context.Context, name string, req repository.BuildRequest) (*build.Build, error)
	Cancel(ctx context.Context, id string) error
	Status() agent.Status
}

// HistoryInterface is the build history read model. It may be nil.
type HistoryInterface interface {
	GetHistory() []eventstore.BuildSummary
	Stats() []eventstore.RepositoryStats
}

// APIHandlers serves the read-only status endpoints.
type APIHandlers struct {
	agent        AgentInterface
	history      HistoryInterface
	errorAdapter *errors.HTTPErrorAdapter
	now          func() time.Time
}

// NewAPIHandlers creates the status handlers.
func NewAPIHandlers(a AgentInterface, history HistoryInterface) *APIHandlers {
	return &APIHandlers{
		agent:        a,
		history:      history,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
		now:          time.Now,
	}
}

// HandleStatus serves the snapshot of every repository with its recent builds.
// The recent query parameter overrides the number of builds per repository.
func (h *APIHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	recent := DefaultRecentBuilds
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("recent must be a non-negative integer").
				WithContext("recent", v).Build())
			return
		}
		recent = n
	}

	now := h.now()
	snap := responses.Snapshot{
		Repositories: []responses.RepositoryStatus{},
		Agent:        h.agent.Status(),
		Timestamp:    now.UTC(),
	}
	for _, repo := range h.agent.Repositories() {
		snap.Repositories = append(snap.Repositories, responses.NewRepositoryStatus(repo, recent, now))
	}
	respond(w, r, h.errorAdapter, http.StatusOK, snap)
}

// HandleRepository serves one repository with all of its builds.
func (h *APIHandlers) HandleRepository(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return
	}
	respond(w, r, h.errorAdapter, http.StatusOK, responses.NewRepositoryStatus(repo, 0, h.now()))
}

// HandleBuild serves a build with its full log.
func (h *APIHandlers) HandleBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, _, ok := h.agent.Build(id)
	if !ok {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("build not found").WithContext("build_id", id).Build())
		return
	}
	respond(w, r, h.errorAdapter, http.StatusOK, responses.NewBuildDetail(b, h.now()))
}

// HandleBuildLog serves the log of a build as plain text. The from query
// parameter skips lines already seen.
func (h *APIHandlers) HandleBuildLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, _, ok := h.agent.Build(id)
	if !ok {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("build not found").WithContext("build_id", id).Build())
		return
	}
	lines := b.LogLines()
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := strconv.Atoi(v)
		if err != nil || from < 0 {
			h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("from must be a non-negative integer").
				WithContext("from", v).Build())
			return
		}
		lines = lines[min(from, len(lines)):]
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Log-Lines", strconv.Itoa(b.LogLen()))
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		_, _ = w.Write([]byte(l + "\n"))
	}
}

// HandleHistory serves the persisted build history and per-repository stats.
func (h *APIHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("build history is disabled").Build())
		return
	}
	resp := responses.HistoryResponse{
		Builds: h.history.GetHistory(),
		Stats:  h.history.Stats(),
	}
	if resp.Builds == nil {
		resp.Builds = []eventstore.BuildSummary{}
	}
	if resp.Stats == nil {
		resp.Stats = []eventstore.RepositoryStats{}
	}
	respond(w, r, h.errorAdapter, http.StatusOK, resp)
}

func (h *APIHandlers) lookupRepository(w http.ResponseWriter, r *http.Request) (*repository.Repository, bool) {
	name := mux.Vars(r)["name"]
	repo, ok := h.agent.Repository(name)
	if !ok {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("repository not found").WithContext("repository", name).Build())
	}
	return repo, ok
}
