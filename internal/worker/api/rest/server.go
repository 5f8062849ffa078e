package rest

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nemanja-m/gorun/internal/shared/config"
	"github.com/nemanja-m/gorun/internal/shared/logging"
	sharedrest "github.com/nemanja-m/gorun/internal/shared/rest"
	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// TaskRegistry is the view of the worker's tasks served over HTTP.
type TaskRegistry interface {
	core.PartitionProducerStateProvider
	Task(id pkgcore.ExecutionVertexID) (core.TaskSnapshot, error)
	Tasks() []core.TaskSnapshot
	Cancel(id pkgcore.ExecutionVertexID) error
}

type API struct {
	tasks  TaskRegistry
	logger logging.Logger
}

func NewAPI(tasks TaskRegistry, logger logging.Logger) *API {
	return &API{tasks: tasks, logger: logger}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", a.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", a.cancelTask)
	mux.HandleFunc("GET /api/partitions/{id}", a.getPartition)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	snapshots := a.tasks.Tasks()
	state := r.URL.Query().Get("state")

	infos := make([]TaskInfo, 0, len(snapshots))
	for _, s := range snapshots {
		if state != "" && s.State.String() != state {
			continue
		}
		infos = append(infos, ToTaskInfo(s))
	}
	sharedrest.RespondJSON(w, http.StatusOK, ListTasksResponse{Tasks: infos, Total: len(infos)})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pkgcore.ParseExecutionVertexID(r.PathValue("id"))
	if err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid execution vertex ID", err.Error())
		return
	}

	snapshot, err := a.tasks.Task(id)
	if err != nil {
		a.respondTaskError(w, "failed to get task", err)
		return
	}
	sharedrest.RespondJSON(w, http.StatusOK, ToTaskInfo(snapshot))
}

// cancelTask handles POST /api/tasks/{id}/cancel. Cancellation completes in
// the background, so the response carries the state right after the request.
func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pkgcore.ParseExecutionVertexID(r.PathValue("id"))
	if err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid execution vertex ID", err.Error())
		return
	}

	if err := a.tasks.Cancel(id); err != nil {
		a.respondTaskError(w, "failed to cancel task", err)
		return
	}
	snapshot, err := a.tasks.Task(id)
	if err != nil {
		a.respondTaskError(w, "failed to get task", err)
		return
	}
	a.logger.Info("Task cancel requested", "execution_vertex_id", id.String(), "state", snapshot.State.String())
	sharedrest.RespondJSON(w, http.StatusAccepted, ToTaskInfo(snapshot))
}

func (a *API) getPartition(w http.ResponseWriter, r *http.Request) {
	id, err := pkgcore.ParsePartitionID(r.PathValue("id"))
	if err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid partition ID", err.Error())
		return
	}

	state, err := a.tasks.QueryPartitionProducerState(id)
	if err != nil {
		a.respondTaskError(w, "failed to query partition", err)
		return
	}
	sharedrest.RespondJSON(w, http.StatusOK, PartitionStateResponse{PartitionID: id.String(), State: state.String()})
}

func (a *API) respondTaskError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound), errors.Is(err, core.ErrPartitionNotFound):
		sharedrest.RespondError(w, http.StatusNotFound, msg, err.Error())
	default:
		a.logger.Error("Request failed", "error", err)
		sharedrest.RespondError(w, http.StatusInternalServerError, msg, err.Error())
	}
}

// NewServer builds the worker's HTTP query surface. reg may be nil, in which
// case /metrics is not served.
func NewServer(cfg config.ServerConfig, tasks TaskRegistry, reg *prometheus.Registry, logger logging.Logger) *http.Server {
	api := NewAPI(tasks, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	var registerer prometheus.Registerer
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		registerer = reg
	}

	return &http.Server{
		Addr: cfg.Addr,
		Handler: sharedrest.ChainMiddleware(
			mux,
			sharedrest.RecoveryMiddleware(logger),
			sharedrest.LoggingMiddleware(logger),
			sharedrest.MetricsMiddleware(registerer, "worker"),
		),
	}
}
