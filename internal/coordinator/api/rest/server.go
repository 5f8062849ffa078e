package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	"github.com/nemanja-m/gorun/internal/shared/config"
	"github.com/nemanja-m/gorun/internal/shared/logging"
	sharedrest "github.com/nemanja-m/gorun/internal/shared/rest"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

type API struct {
	controller    core.DeploymentController
	workerService core.WorkerService
	logger        logging.Logger
}

func NewAPI(controller core.DeploymentController, workerService core.WorkerService, logger logging.Logger) *API {
	return &API{
		controller:    controller,
		workerService: workerService,
		logger:        logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/vertices", a.submitVertex)
	mux.HandleFunc("GET /api/vertices", a.listVertices)
	mux.HandleFunc("GET /api/vertices/{id}", a.getVertex)
	mux.HandleFunc("GET /api/executions", a.listExecutions)
	mux.HandleFunc("GET /api/executions/{id}", a.getExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", a.cancelExecution)
	mux.HandleFunc("GET /api/workers", a.listWorkers)
}

func (a *API) submitVertex(w http.ResponseWriter, r *http.Request) {
	var req SubmitVertexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	vertex := req.ToVertex()
	if err := a.controller.SubmitVertex(vertex); err != nil {
		a.respondServiceError(w, "failed to submit vertex", err)
		return
	}
	sharedrest.RespondJSON(w, http.StatusCreated, ToSubmitVertexResponse(vertex))
}

func (a *API) listVertices(w http.ResponseWriter, r *http.Request) {
	vertices, err := a.controller.GetVertices()
	if err != nil {
		a.respondServiceError(w, "failed to list vertices", err)
		return
	}
	summaries := make([]VertexSummary, 0, len(vertices))
	for _, v := range vertices {
		summaries = append(summaries, ToVertexSummary(v))
	}
	sharedrest.RespondJSON(w, http.StatusOK, ListVerticesResponse{Vertices: summaries, Total: len(summaries)})
}

// getVertex handles GET /api/vertices/{id}
func (a *API) getVertex(w http.ResponseWriter, r *http.Request) {
	id, err := pkgcore.ParseVertexID(r.PathValue("id"))
	if err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid vertex ID", err.Error())
		return
	}

	vertex, progress, err := a.controller.GetVertex(id)
	if err != nil {
		a.respondServiceError(w, "failed to get vertex", err)
		return
	}
	sharedrest.RespondJSON(w, http.StatusOK, ToGetVertexResponse(vertex, progress))
}

// listExecutions handles GET /api/executions with filters and pagination
func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := sharedrest.Pagination(r)
	filter := core.ExecutionFilter{Limit: limit, Offset: offset}

	if raw := query.Get("vertex_id"); raw != "" {
		id, err := pkgcore.ParseVertexID(raw)
		if err != nil {
			sharedrest.RespondError(w, http.StatusBadRequest, "invalid vertex ID", err.Error())
			return
		}
		filter.VertexID = &id
	}
	if raw := query.Get("status"); raw != "" {
		status := core.ExecutionStatus(raw)
		filter.Status = &status
	}

	executions, total, err := a.controller.GetExecutions(filter)
	if err != nil {
		a.respondServiceError(w, "failed to list executions", err)
		return
	}

	infos := make([]ExecutionInfo, 0, len(executions))
	for _, e := range executions {
		infos = append(infos, ToExecutionInfo(e))
	}
	sharedrest.RespondJSON(w, http.StatusOK, ListExecutionsResponse{
		Executions: infos,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		NextOffset: sharedrest.NextOffset(offset, limit, total),
	})
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pkgcore.ParseExecutionVertexID(r.PathValue("id"))
	if err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid execution vertex ID", err.Error())
		return
	}

	execution, err := a.controller.GetExecution(id)
	if err != nil {
		a.respondServiceError(w, "failed to get execution", err)
		return
	}
	sharedrest.RespondJSON(w, http.StatusOK, ToExecutionInfo(execution))
}

// cancelExecution handles POST /api/executions/{id}/cancel. Deployed
// executions are canceled asynchronously through the worker's heartbeat, so
// the response is 202 with the execution as it is now.
func (a *API) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pkgcore.ParseExecutionVertexID(r.PathValue("id"))
	if err != nil {
		sharedrest.RespondError(w, http.StatusBadRequest, "invalid execution vertex ID", err.Error())
		return
	}

	if err := a.controller.RequestCancel(id); err != nil {
		a.respondServiceError(w, "failed to cancel execution", err)
		return
	}
	execution, err := a.controller.GetExecution(id)
	if err != nil {
		a.respondServiceError(w, "failed to get execution", err)
		return
	}
	a.logger.Info("Execution cancel accepted", "execution_vertex_id", id.String(), "status", string(execution.Status))
	sharedrest.RespondJSON(w, http.StatusAccepted, ToExecutionInfo(execution))
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.workerService.GetWorkers()
	if err != nil {
		a.respondServiceError(w, "failed to list workers", err)
		return
	}
	infos := make([]WorkerInfo, 0, len(workers))
	for _, worker := range workers {
		infos = append(infos, ToWorkerInfo(worker))
	}
	sharedrest.RespondJSON(w, http.StatusOK, ListWorkersResponse{Workers: infos})
}

func (a *API) respondServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, core.ErrVertexNotFound), errors.Is(err, core.ErrExecutionNotFound):
		sharedrest.RespondError(w, http.StatusNotFound, msg, err.Error())
	case errors.Is(err, core.ErrVertexInvalid), errors.Is(err, pkgcore.ErrInvalidArgument):
		sharedrest.RespondError(w, http.StatusBadRequest, msg, err.Error())
	default:
		a.logger.Error("Request failed", "error", err)
		sharedrest.RespondError(w, http.StatusInternalServerError, msg, err.Error())
	}
}

// NewServer wires the API, /metrics and the middleware chain. reg may be nil,
// in which case /metrics is not served.
func NewServer(
	cfg config.RESTConfig,
	controller core.DeploymentController,
	workerService core.WorkerService,
	reg *prometheus.Registry,
	logger logging.Logger,
) *http.Server {
	api := NewAPI(controller, workerService, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	handler := sharedrest.ChainMiddleware(
		mux,
		sharedrest.RecoveryMiddleware(logger),
		sharedrest.LoggingMiddleware(logger),
		sharedrest.MetricsMiddleware(registerer, "coordinator"),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
