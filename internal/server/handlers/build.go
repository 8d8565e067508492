package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/repository"
	"git.home.luguber.info/inful/ciagent/internal/server/responses"
)

// BuildHandlers serves the endpoints that change agent state.
type BuildHandlers struct {
	agent        AgentInterface
	errorAdapter *errors.HTTPErrorAdapter
	now          func() time.Time
}

// NewBuildHandlers creates the build control handlers.
func NewBuildHandlers(a AgentInterface) *BuildHandlers {
	return &BuildHandlers{
		agent:        a,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
		now:          time.Now,
	}
}

// HandleRequestBuild queues a build. The optional JSON body selects branch,
// scheme, platform and revision; omitted fields default to the last used.
func (h *BuildHandlers) HandleRequestBuild(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req repository.BuildRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	b, err := h.agent.RequestBuild(r.Context(), name, req)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	slog.Info("Build requested over HTTP",
		logfields.BuildID(b.ID()),
		logfields.Repository(name),
		logfields.RemoteAddr(r.RemoteAddr))
	w.Header().Set("Location", "/api/builds/"+b.ID())
	respond(w, r, h.errorAdapter, http.StatusAccepted, responses.NewBuildSummary(b, h.now()))
}

// HandleCancelBuild cancels a queued or running build.
func (h *BuildHandlers) HandleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.agent.Cancel(r.Context(), id); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	b, _, ok := h.agent.Build(id)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	respond(w, r, h.errorAdapter, http.StatusAccepted, responses.NewBuildSummary(b, h.now()))
}

// HandleRefresh recomputes the branches, schemes and platforms of a repository.
func (h *BuildHandlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	repo, ok := h.agent.Repository(name)
	if !ok {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("repository not found").WithContext("repository", name).Build())
		return
	}
	if err := repo.Refresh(r.Context()); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	respond(w, r, h.errorAdapter, http.StatusOK, responses.NewRepositoryStatus(repo, DefaultRecentBuilds, h.now()))
}
