// Package api provides HTTP handlers and routing for the engine service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowmill/flowmill/internal/config"
	"github.com/flowmill/flowmill/internal/engine"
	"github.com/flowmill/flowmill/internal/graph"
	"github.com/flowmill/flowmill/internal/registry"
	"github.com/flowmill/flowmill/internal/runstore"
	"github.com/flowmill/flowmill/internal/validator"
	"github.com/flowmill/flowmill/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	engine    *engine.Engine
	registry  registry.Registry
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.RunStore, eng *engine.Engine, reg registry.Registry, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		engine:    eng,
		registry:  reg,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"runstore":    info,
		"active_runs": h.engine.ActiveRuns(),
	})
}

// --- Run Management ---

// StartRunResponse is the response body after starting a run.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url"`
}

// StartRun handles POST /api/v1/runs. The body is a run request: a frozen
// graph snapshot plus the trigger node and payload. Validation and planning
// failures reject the request with 400.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "read request body", err)
		return
	}

	if result := h.validator.ValidateRunRequestJSON(body); !result.Valid {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid run request",
			"errors": result.Errors,
		})
		return
	}

	var req types.RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	run, err := h.engine.StartRun(ctx, &req)
	if err != nil {
		var verr *graph.ValidationError
		var cerr *graph.CycleError
		switch {
		case errors.As(err, &verr):
			h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "invalid graph",
				"issues": verr.Issues,
			})
		case errors.As(err, &cerr):
			h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "graph contains a cycle",
				"nodes": cerr.Nodes,
			})
		case errors.Is(err, registry.ErrHandlerNotFound):
			h.respondError(w, http.StatusBadRequest, "unknown node type", err)
		default:
			h.respondError(w, http.StatusBadRequest, "cannot start run", err)
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, StartRunResponse{
		RunID:  run.ID,
		Status: string(run.Status),
		SSEURL: "/api/v1/runs/" + run.ID + "/events",
	})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runIDs, err := h.store.ListRuns(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runIDs})
}

// GetRun handles GET /api/v1/runs/{id}. The response includes per-node
// execution records.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	records, err := h.store.ListRecords(ctx, runID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list node records", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"run":   run,
		"nodes": records,
	})
}

// GetNodeRecord handles GET /api/v1/runs/{id}/nodes/{node}
func (h *Handlers) GetNodeRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	rec, err := h.store.GetRecord(ctx, vars["id"], vars["node"])
	if err != nil {
		switch {
		case errors.Is(err, runstore.ErrRunNotFound):
			h.respondError(w, http.StatusNotFound, "run not found", err)
		case errors.Is(err, runstore.ErrRecordNotFound):
			h.respondError(w, http.StatusNotFound, "node not found", err)
		default:
			h.respondError(w, http.StatusInternalServerError, "failed to get node record", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// StartRunByID handles POST /api/v1/runs/{id}/start for runs created with
// auto_start=false.
func (h *Handlers) StartRunByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if err := h.engine.LaunchRun(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, http.StatusConflict, "cannot start run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// DeleteRun handles DELETE /api/v1/runs/{id}. Only finished runs can be
// deleted.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	if !run.Status.Terminal() {
		h.respondError(w, http.StatusConflict, "run is still active", nil)
		return
	}

	if err := h.store.DeleteRun(ctx, runID); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to delete run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if err := h.engine.CancelRun(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, http.StatusConflict, "cannot cancel run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- Graph Validation ---

// ValidateGraphRequest is the body for POST /api/v1/graphs/validate.
type ValidateGraphRequest struct {
	Graph       json.RawMessage `json:"graph"`
	TriggerNode string          `json:"trigger_node,omitempty"`
}

// ValidateGraph handles POST /api/v1/graphs/validate. Schema validation runs
// first, then structural checks, then planning when a trigger is named.
func (h *Handlers) ValidateGraph(w http.ResponseWriter, r *http.Request) {
	var req ValidateGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Graph) == 0 {
		h.respondError(w, http.StatusBadRequest, "missing graph", nil)
		return
	}

	if result := h.validator.ValidateGraphJSON(req.Graph); !result.Valid {
		h.respondJSON(w, http.StatusOK, result)
		return
	}

	var g types.WorkflowGraph
	if err := json.Unmarshal(req.Graph, &g); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid graph document", err)
		return
	}

	issues := structuralIssues(&g, req.TriggerNode, h.registry)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  len(issues) == 0,
		"errors": issues,
	})
}

func structuralIssues(g *types.WorkflowGraph, trigger string, handles graph.HandleResolver) []validator.ValidationError {
	issues := []validator.ValidationError{}

	err := graph.Validate(g, handles)
	if trigger != "" && err == nil {
		_, err = graph.PlanFor(g, trigger, handles)
	}
	if err == nil {
		return issues
	}

	var verr *graph.ValidationError
	var cerr *graph.CycleError
	switch {
	case errors.As(err, &verr):
		for _, issue := range verr.Issues {
			issues = append(issues, validator.ValidationError{Path: issue.NodeID, Message: issue.Message})
		}
	case errors.As(err, &cerr):
		for _, node := range cerr.Nodes {
			issues = append(issues, validator.ValidationError{Path: node, Message: "part of a cycle"})
		}
	default:
		issues = append(issues, validator.ValidationError{Path: "$", Message: err.Error()})
	}
	return issues
}

// --- Handler Registry ---

// handlerInfo describes one registered node type.
type handlerInfo struct {
	Type    string   `json:"type"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs,omitempty"`
}

// ListHandlers handles GET /api/v1/handlers
func (h *Handlers) ListHandlers(w http.ResponseWriter, r *http.Request) {
	infos := make([]handlerInfo, 0)
	for _, t := range h.registry.List() {
		ins, outs, err := h.registry.Handles(t)
		if err != nil {
			continue
		}
		infos = append(infos, handlerInfo{Type: t, Inputs: ins, Outputs: outs})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"handlers": infos})
}

// --- RunStore Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// RunStoreSelfCheck handles GET /api/v1/runstore/selfcheck. It exercises the
// store round trip with a throwaway run.
func (h *Handlers) RunStoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	probe := &types.Run{ID: "selfcheck-" + requestID(r), Status: types.RunStatusPending}
	if err := h.store.CreateRun(ctx, probe); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck create failed", err)
		return
	}
	if _, err := h.store.AppendEvent(ctx, probe.ID, &types.EventInput{Type: types.EventTypeLog, Data: "selfcheck"}); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck append failed", err)
		return
	}
	events, err := h.store.GetEventsSince(ctx, probe.ID, "")
	if err != nil || len(events) == 0 {
		h.respondError(w, http.StatusInternalServerError, "selfcheck read failed", err)
		return
	}
	finished := time.Now().UTC().Format(time.RFC3339)
	if err := h.store.UpdateRunStatus(ctx, probe.ID, types.RunStatusSucceeded, "", nil, &finished); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck finalize failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"events": len(events),
	})
}
