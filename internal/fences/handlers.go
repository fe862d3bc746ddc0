package fences

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// Handler serves the fence read and remediation endpoints.
type Handler struct {
	repo       Repository
	validator  *consistency.Validator
	grouper    *consistency.Grouper
	controller *consistency.Controller
	logger     *zap.Logger
}

func NewHandler(repo Repository, validator *consistency.Validator, grouper *consistency.Grouper, controller *consistency.Controller, logger *zap.Logger) *Handler {
	return &Handler{
		repo:       repo,
		validator:  validator,
		grouper:    grouper,
		controller: controller,
		logger:     logger.Named("fences"),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type timing struct {
	name string
	dur  time.Duration
}

func addServerTiming(w http.ResponseWriter, timings ...timing) {
	if len(timings) == 0 {
		return
	}
	parts := make([]string, len(timings))
	for i, t := range timings {
		parts[i] = fmt.Sprintf("%s;dur=%.1f", t.name, float64(t.dur.Microseconds())/1000)
	}
	w.Header().Add("Server-Timing", strings.Join(parts, ", "))
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrStatusUnsupported):
		code = http.StatusConflict
	case errors.Is(err, geometry.ErrEngineUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	http.Error(w, msg+": "+err.Error(), code)
}

func parseIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, s := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fence id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func isTrue(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// ListFences returns the reassembled FeatureCollection, optionally filtered by
// ?status=, ?city= and ?ids=1,2,3.
func (h *Handler) ListFences(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter := PartFilter{
		IDs:    ids,
		Status: consistency.Status(r.URL.Query().Get("status")),
		City:   r.URL.Query().Get("city"),
	}

	start := time.Now()
	parts, err := h.repo.Parts(r.Context(), filter)
	if err != nil {
		h.writeError(w, "failed to load fences", err)
		return
	}
	read := time.Since(start)

	start = time.Now()
	fc := consistency.FeatureCollection(parts)
	addServerTiming(w, timing{"dbread", read}, timing{"reassemble", time.Since(start)})
	writeJSON(w, fc)
}

func (h *Handler) GetFence(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid fence id", http.StatusBadRequest)
		return
	}

	parts, err := h.repo.Parts(r.Context(), PartFilter{IDs: []int64{id}})
	if err != nil {
		h.writeError(w, "failed to load fence", err)
		return
	}
	features := consistency.Reassemble(parts)
	if len(features) == 0 {
		h.writeError(w, "failed to load fence", fmt.Errorf("%w: %d", ErrNotFound, id))
		return
	}
	writeJSON(w, features[0])
}

type validationResponse struct {
	Total   int                 `json:"total"`
	Invalid int                 `json:"invalid"`
	Issues  []consistency.Issue `json:"issues"`
}

// Validation returns one issue per fence; ?invalidOnly=true keeps the invalid ones.
func (h *Handler) Validation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fences, err := h.repo.Fences(r.Context(), nil)
	if err != nil {
		h.writeError(w, "failed to load fences", err)
		return
	}
	read := time.Since(start)

	start = time.Now()
	issues, err := h.validator.Validate(r.Context(), fences)
	if err != nil {
		h.writeError(w, "validation failed", err)
		return
	}

	invalid := consistency.Invalid(issues)
	resp := validationResponse{Total: len(issues), Invalid: len(invalid), Issues: issues}
	if isTrue(r, "invalidOnly") {
		resp.Issues = invalid
	}
	if resp.Issues == nil {
		resp.Issues = []consistency.Issue{}
	}

	addServerTiming(w, timing{"dbread", read}, timing{"validate", time.Since(start)})
	writeJSON(w, resp)
}

type duplicatesResponse struct {
	Groups    []consistency.Group `json:"groups"`
	Redundant []int64             `json:"redundant"`
}

func (h *Handler) Duplicates(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fences, err := h.repo.Fences(r.Context(), nil)
	if err != nil {
		h.writeError(w, "failed to load fences", err)
		return
	}
	read := time.Since(start)

	start = time.Now()
	grouping, err := h.grouper.Group(r.Context(), fences)
	if err != nil {
		h.writeError(w, "grouping failed", err)
		return
	}

	resp := duplicatesResponse{Groups: grouping.Groups, Redundant: grouping.Redundant()}
	if resp.Groups == nil {
		resp.Groups = []consistency.Group{}
	}
	if resp.Redundant == nil {
		resp.Redundant = []int64{}
	}
	addServerTiming(w, timing{"dbread", read}, timing{"group", time.Since(start)})
	writeJSON(w, resp)
}

// Export streams a zip with the fences as GeoJSON and as a shapefile.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	parts, err := h.repo.Parts(r.Context(), PartFilter{
		Status: consistency.Status(r.URL.Query().Get("status")),
		City:   r.URL.Query().Get("city"),
	})
	if err != nil {
		h.writeError(w, "failed to load fences", err)
		return
	}

	var buf bytes.Buffer
	if err := WriteExport(&buf, consistency.Reassemble(parts)); err != nil {
		h.writeError(w, "export failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="fences.zip"`)
	_, _ = w.Write(buf.Bytes())
}

type repairRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}

	run := h.controller.Repair
	if isTrue(r, "dryRun") {
		run = h.controller.PlanRepair
	}
	res, err := run(r.Context(), req.IDs)
	if err != nil {
		h.writeError(w, "repair failed", err)
		return
	}
	if res.Unrepairable == nil {
		res.Unrepairable = []int64{}
	}
	writeJSON(w, res)
}

func (h *Handler) DeactivateInvalid(w http.ResponseWriter, r *http.Request) {
	run := h.controller.DeactivateInvalid
	if isTrue(r, "dryRun") {
		run = h.controller.PlanDeactivateInvalid
	}
	h.runDeactivation(w, r, run)
}

func (h *Handler) DeactivateDuplicates(w http.ResponseWriter, r *http.Request) {
	run := h.controller.DeactivateDuplicates
	if isTrue(r, "dryRun") {
		run = h.controller.PlanDeactivateDuplicates
	}
	h.runDeactivation(w, r, run)
}

func (h *Handler) runDeactivation(w http.ResponseWriter, r *http.Request, run func(ctx context.Context) (consistency.Result, error)) {
	res, err := run(r.Context())
	if err != nil {
		h.writeError(w, "deactivation failed", err)
		return
	}
	writeJSON(w, res)
}
