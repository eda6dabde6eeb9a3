package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/dispatch"
	"github.com/nidhogg/seraph/internal/learning"
	"github.com/nidhogg/seraph/internal/orchestrator"
	"github.com/nidhogg/seraph/internal/store"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc     *orchestrator.Service
	metrics http.Handler
	backend map[string]string
	logger  *zap.Logger
}

// NewHandler creates a new API handler. backend names the storage in use per
// concern and is reported by the health check; metrics may be nil.
func NewHandler(svc *orchestrator.Service, metrics http.Handler, backend map[string]string, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, metrics: metrics, backend: backend, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Get("/agents/{id}/memories", h.getAgentMemories)
		r.Get("/agents/{id}/relationships", h.getAgentRelationships)

		r.Post("/tasks", h.routeTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/assign", h.manualAssign)
		r.Post("/tasks/{id}/status", h.updateTaskStatus)

		r.Get("/hierarchy", h.routeHierarchy)
		r.Post("/hierarchy/rules", h.putDomainRule)
		r.Get("/hierarchy/violations", h.hierarchyViolations)

		r.Post("/learning/cycles", h.runLearningCycle)

		r.Get("/notifications", h.listNotifications)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if len(h.backend) > 0 {
		body["backends"] = h.backend
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AgentFilter{
		Sector:   q.Get("sector"),
		Tier:     agent.Tier(q.Get("tier")),
		ParentID: q.Get("parent"),
		TaskType: q.Get("task_type"),
		Limit:    queryInt(q.Get("limit"), 0),
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, agent.Status(strings.TrimSpace(part)))
		}
	}
	agents, err := h.svc.ListAgents(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	created, err := h.svc.RegisterAgent(r.Context(), &a)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) getAgentMemories(w http.ResponseWriter, r *http.Request) {
	mems, err := h.svc.GetAgentMemory(r.Context(), chi.URLParam(r, "id"), queryInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mems)
}

func (h *Handler) getAgentRelationships(w http.ResponseWriter, r *http.Request) {
	edges, err := h.svc.GetRelationships(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (h *Handler) routeTask(w http.ResponseWriter, r *http.Request) {
	var t agent.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.svc.RouteTask(r.Context(), &t)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, resultStatus(res, http.StatusCreated), res)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, rows, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": t, "assignments": rows})
}

type assignRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func (h *Handler) manualAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.svc.ManualAssign(r.Context(), chi.URLParam(r, "id"), req.AgentIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, resultStatus(res, http.StatusOK), res)
}

type statusRequest struct {
	Status agent.TaskStatus `json:"status"`
}

func (h *Handler) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := h.svc.UpdateTaskStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) routeHierarchy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("task_type") == "" && q.Get("domain") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_type or domain is required"})
		return
	}
	route, err := h.svc.RouteThroughHierarchy(r.Context(), q.Get("task_type"), q.Get("domain"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *Handler) putDomainRule(w http.ResponseWriter, r *http.Request) {
	var rule store.DomainRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.PutDomainRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) hierarchyViolations(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.HierarchyViolations(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if v == nil {
		v = []dispatch.Violation{}
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) runLearningCycle(w http.ResponseWriter, r *http.Request) {
	var req learning.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	mode, err := learning.ParseMode(string(req.Mode))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.Mode = mode
	req.Trigger = "api"

	sum, err := h.svc.RunLearningCycle(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Notifications(queryInt(r.URL.Query().Get("limit"), 50)))
}

// resultStatus maps an assignment outcome to an HTTP status. No candidate is
// a successful empty result; losing an assignment race is a conflict.
func resultStatus(res *agent.AssignmentResult, assigned int) int {
	switch res.Outcome {
	case agent.OutcomeAssigned:
		return assigned
	case agent.OutcomeAlreadyAssigned:
		return http.StatusConflict
	}
	return http.StatusOK
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case agent.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, agent.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrAlreadyAssigned), errors.Is(err, agent.ErrInvalidTransition):
		status = http.StatusConflict
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
