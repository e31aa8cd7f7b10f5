package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"gradesync/backend/internal/gateway/util"
	"gradesync/backend/internal/reconcile"
	"gradesync/backend/internal/shared"
)

// Upload limits
const (
	maxUploadBytes = 32 << 20
	uploadField    = "file"
)

// ReconcileHandler exposes the reconciliation engine over HTTP
type ReconcileHandler struct {
	Engine   *reconcile.Engine
	Log      *zap.Logger
	validate *validator.Validate
}

// NewReconcileHandler wires a handler
func NewReconcileHandler(engine *reconcile.Engine, log *zap.Logger) *ReconcileHandler {
	return &ReconcileHandler{Engine: engine, Log: log.Named("http"), validate: validator.New()}
}

// AssignRequest mirrors the JSON input for POST /students/{id}/assignments
type AssignRequest struct {
	CourseID  string `json:"course_id" validate:"required,uuid"`
	SectionID string `json:"section_id" validate:"required,uuid"`
}

// BulkUploadGrades handles POST /bulk-upload-grades
// Accepts a multipart "file" field or a raw CSV body.
// Query Params: year (optional)
func (h *ReconcileHandler) BulkUploadGrades(w http.ResponseWriter, r *http.Request) {
	// 1. Extract Query Parameters
	year, err := util.QueryYear(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Open the Source
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	source, filename, err := uploadSource(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer source.Close()

	// 3. Run the Import
	summary, err := h.Engine.Import(r.Context(), reconcile.ImportRequest{Year: year, Source: source, Filename: filename})
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}

	// 4. Map and Respond
	errs := summary.FailedRows
	if limit := h.Engine.MaxErrors(); len(errs) > limit {
		errs = errs[:limit]
	}

	response := map[string]interface{}{
		"success":     summary.Status != reconcile.StatusFailed && summary.Status != reconcile.StatusCancelled,
		"year":        summary.Year,
		"totalRows":   summary.TotalRows,
		"processed":   summary.Imported,
		"changed":     summary.Changed,
		"skipped":     summary.Skipped,
		"totalErrors": summary.Failed,
		"errors":      errs,
		"status":      summary.Status,
		"batches":     summary.Batches,
		"created":     summary.Created,
		"cancelled":   summary.Cancelled,
		"warnings":    summary.Warnings,
	}

	status := http.StatusOK
	if summary.Status == reconcile.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	util.WriteJSON(w, status, response)
}

// uploadSource returns the CSV stream of a multipart or raw upload
func uploadSource(r *http.Request) (io.ReadCloser, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", errors.New("invalid multipart upload")
		}
		file, header, err := r.FormFile(uploadField)
		if err != nil {
			return nil, "", errors.New("file is required")
		}
		return file, header.Filename, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return nil, "", errors.New("file is required")
	}
	return r.Body, "body.csv", nil
}

// DeleteAllGrades handles POST /delete-all-grades
// Query Params: doit=1 (required), paged, limit (1..2000), cursor
func (h *ReconcileHandler) DeleteAllGrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// 1. Require explicit confirmation
	if q.Get("doit") != "1" {
		util.WriteJSONError(w, http.StatusBadRequest, "confirmation required: pass doit=1")
		return
	}

	// 2. Extract Paging Parameters
	paged, err := util.QueryFlag(r, "paged")
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > shared.MaxDeletePageSize {
			util.WriteJSONError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(shared.MaxDeletePageSize))
			return
		}
	}

	// 3. Delete one step
	summary, err := h.Engine.DeleteAll(r.Context(), reconcile.DeleteRequest{
		Confirm:  reconcile.ConfirmToken,
		Paged:    paged,
		PageSize: limit,
		Cursor:   q.Get("cursor"),
	})
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}

	// 4. Map and Respond
	response := map[string]interface{}{
		"ok":                true,
		"deleted":           summary.Deleted,
		"activitiesDeleted": summary.ActivitiesDeleted,
		"phase":             summary.Phase,
		"more":              summary.More,
		"nextCursor":        summary.NextCursor,
		"paged":             summary.Paged,
	}

	util.WriteJSON(w, http.StatusOK, response)
}

// GradeCounters handles GET /grade-counters
// Query Params: year (optional)
func (h *ReconcileHandler) GradeCounters(w http.ResponseWriter, r *http.Request) {
	year, err := util.QueryYear(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	counters, err := h.Engine.Counters(r.Context(), year)
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}

	response := map[string]interface{}{
		"ok":          true,
		"totalGrades": counters.TotalGrades,
		"year":        counters.Year,
		"yearCount":   counters.YearCount,
		"method":      counters.Method,
		"totalMethod": counters.TotalMethod,
	}

	util.WriteJSON(w, http.StatusOK, response)
}

// Sync handles POST /sync
// Rebuilds the cached namespace from the remote store.
func (h *ReconcileHandler) Sync(w http.ResponseWriter, r *http.Request) {
	year, err := util.QueryYear(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.Engine.Sync(r.Context(), year)
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, summary)
}

// SwitchNamespace handles POST /namespace
// Makes the year the active namespace, dropping the previous one.
func (h *ReconcileHandler) SwitchNamespace(w http.ResponseWriter, r *http.Request) {
	year, err := util.QueryYear(r)
	if err != nil || year == 0 {
		util.WriteJSONError(w, http.StatusBadRequest, "year is required")
		return
	}

	summary, err := h.Engine.SwitchNamespace(r.Context(), year)
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, summary)
}

// ListGrades handles GET /grades
// Reads the cache only. Query Params: year, course_id (both optional)
func (h *ReconcileHandler) ListGrades(w http.ResponseWriter, r *http.Request) {
	year, err := util.QueryYear(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	grades, err := h.Engine.Grades(year, r.URL.Query().Get("course_id"))
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}

	response := map[string]interface{}{
		"success": true,
		"grades":  grades,
		"count":   len(grades),
	}
	util.WriteJSON(w, http.StatusOK, response)
}

// GetStudentAssignments handles GET /students/{id}/assignments
func (h *ReconcileHandler) GetStudentAssignments(w http.ResponseWriter, r *http.Request) {
	year, err := util.QueryYear(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	studentID := chi.URLParam(r, "id")

	history, err := h.Engine.StudentAssignments(year, studentID)
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}

	response := map[string]interface{}{
		"success":     true,
		"student_id":  studentID,
		"assignments": history,
	}
	util.WriteJSON(w, http.StatusOK, response)
}

// AssignStudent handles POST /students/{id}/assignments
// Moves the student to another section; the previous one stays in history.
func (h *ReconcileHandler) AssignStudent(w http.ResponseWriter, r *http.Request) {
	year, err := util.QueryYear(r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, "course_id and section_id must be UUIDs")
		return
	}

	result, err := h.Engine.Assign(r.Context(), year, chi.URLParam(r, "id"), req.CourseID, req.SectionID)
	if err != nil {
		util.HandleError(w, h.Log, err)
		return
	}

	response := map[string]interface{}{
		"success":    true,
		"changed":    result.Changed,
		"assignment": result.Assignment,
		"student":    result.Student,
		"history":    result.History,
		"warnings":   result.Warnings,
	}
	util.WriteJSON(w, http.StatusOK, response)
}

// Healthz handles GET /healthz
func (h *ReconcileHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ok"})
}
