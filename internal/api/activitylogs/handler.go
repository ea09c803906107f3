// Package activitylogs implements the HTTP handlers for reading, exporting,
// erasing and manually recording activity log entries.
//
// Route layout (mounted under /api/v1/activity-logs, all authenticated):
//
//	GET    /                              filtered, paginated listing across users
//	GET    /recent                        newest entries system-wide
//	GET    /stats                         counters for the dashboard
//	GET    /filter-options                distinct actions, model types and users
//	GET    /me                            the caller's own history
//	GET    /export                        download one user's history as JSON
//	GET    /:modelType/:modelId           history of one domain object
//	POST   /                              record a manual entry for the caller
//	DELETE /?user_id=                     erase one user's history
package activitylogs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/goccy/go-json"

	"github.com/pam-backend/pam-backend/internal/activitylog"
	"github.com/pam-backend/pam-backend/internal/middleware"
)

// Handler holds the dependencies for the activity log endpoints.
type Handler struct {
	svc      *activitylog.Service
	recorder *activitylog.Recorder
}

// NewHandler creates a new Handler.
func NewHandler(svc *activitylog.Service) *Handler {
	return &Handler{svc: svc, recorder: activitylog.NewRecorder(svc)}
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// respondError maps engine errors to HTTP statuses
func respondError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, activitylog.ErrInvalidFilter), errors.Is(err, activitylog.ErrInvalidRecord):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, activitylog.ErrNoActor):
		fail(c, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, context.Canceled):
		c.Abort()
	default:
		slog.Error("activity log request failed", "op", op, "request_id", c.GetString(middleware.RequestIDKey), "error", err)
		fail(c, http.StatusInternalServerError, "Failed to "+op)
	}
}

func queryParams(c *gin.Context) map[string]string {
	params := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func (h *Handler) filters(c *gin.Context) (activitylog.Filters, bool) {
	f, err := activitylog.ParseFilters(queryParams(c), h.svc.Location())
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return f, false
	}
	return f, true
}

func (h *Handler) actor(c *gin.Context) (activitylog.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "Authentication required")
	}
	return actor, ok
}

// ---- GET /api/v1/activity-logs ---------------------------------------------

// Index lists entries across all users, newest first.
func (h *Handler) Index(c *gin.Context) {
	f, ok := h.filters(c)
	if !ok {
		return
	}
	entries, err := h.svc.QueryLogs(c.Request.Context(), f)
	if err != nil {
		respondError(c, "list activity logs", err)
		return
	}
	page, perPage := pageParams(c)
	c.JSON(http.StatusOK, paginate(entries, page, perPage))
}

// ---- GET /api/v1/activity-logs/me ------------------------------------------

// Mine lists the caller's own entries. A user_id parameter is ignored.
func (h *Handler) Mine(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	f, ok := h.filters(c)
	if !ok {
		return
	}
	f.UserID = nil

	entries, err := h.svc.GetUserLogs(c.Request.Context(), actor.UserID, f)
	if err != nil {
		respondError(c, "list activity logs", err)
		return
	}
	page, perPage := pageParams(c)
	c.JSON(http.StatusOK, paginate(entries, page, perPage))
}

// ---- GET /api/v1/activity-logs/:modelType/:modelId -------------------------

// ModelLogs lists the history of one domain object.
func (h *Handler) ModelLogs(c *gin.Context) {
	modelID, err := strconv.ParseInt(c.Param("modelId"), 10, 64)
	if err != nil || modelID <= 0 {
		fail(c, http.StatusBadRequest, "modelId must be a positive integer")
		return
	}

	entries, err := h.svc.QueryLogs(c.Request.Context(), activitylog.Filters{
		ModelType: c.Param("modelType"),
		ModelID:   &modelID,
	})
	if err != nil {
		respondError(c, "list model history", err)
		return
	}
	page, perPage := pageParams(c)
	c.JSON(http.StatusOK, paginate(entries, page, perPage))
}

// ---- GET /api/v1/activity-logs/recent --------------------------------------

// Recent returns the newest entries system-wide.
func (h *Handler) Recent(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPerPage)
	}

	entries, err := h.svc.GetRecentLogs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "load recent activity", err)
		return
	}
	if entries == nil {
		entries = []activitylog.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": entries})
}

// ---- GET /api/v1/activity-logs/stats ---------------------------------------

// Stats returns dashboard counters.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, "compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

// ---- GET /api/v1/activity-logs/filter-options ------------------------------

// FilterOptions returns the distinct values the UI can filter on.
func (h *Handler) FilterOptions(c *gin.Context) {
	opts, err := h.svc.GetFilterOptions(c.Request.Context())
	if err != nil {
		respondError(c, "load filter options", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": opts})
}

// ---- GET /api/v1/activity-logs/export --------------------------------------

// Export downloads one user's history as an indented JSON array. Without
// user_id the caller's own history is exported. The export itself is logged.
func (h *Handler) Export(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	f, ok := h.filters(c)
	if !ok {
		return
	}

	userID := actor.UserID
	if f.UserID != nil {
		userID = *f.UserID
	}
	f.UserID = nil

	data, err := h.svc.ExportUserLogs(c.Request.Context(), userID, f)
	if err != nil {
		respondError(c, "export activity logs", err)
		return
	}

	h.recorder.Exported(c.Request.Context(), actor, "ActivityLog",
		fmt.Sprintf("Exported activity logs of user %d", userID))

	filename := fmt.Sprintf("activity-logs-user-%d-%s.json", userID, h.svc.Now().Format("2006-01-02"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/json", data)
}

// ---- DELETE /api/v1/activity-logs?user_id= ---------------------------------

// Delete erases every segment of one user. It is irreversible.
func (h *Handler) Delete(c *gin.Context) {
	raw := c.Query("user_id")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || userID <= 0 {
		fail(c, http.StatusBadRequest, "user_id must be a positive integer")
		return
	}

	if err := h.svc.DeleteUserLogs(c.Request.Context(), userID); err != nil {
		respondError(c, "delete activity logs", err)
		return
	}

	if actor, ok := middleware.ActorFromContext(c); ok {
		slog.Info("activity logs deleted", "user_id", userID, "by", actor.UserID)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Activity logs of user %d deleted", userID),
	})
}

// ---- POST /api/v1/activity-logs --------------------------------------------

// CreateRequest is the body of a manual log entry
type CreateRequest struct {
	Action      string         `json:"action" binding:"required,max=64"`
	ModelType   string         `json:"model_type" binding:"max=128"`
	ModelID     *int64         `json:"model_id"`
	ModelName   string         `json:"model_name" binding:"max=255"`
	Description string         `json:"description" binding:"max=1000"`
	OldValues   map[string]any `json:"old_values"`
	NewValues   map[string]any `json:"new_values"`
}

// bindCreateRequest decodes with UseNumber so integer payload values reach the
// log exactly instead of as float64.
func bindCreateRequest(c *gin.Context, req *CreateRequest) error {
	if c.Request.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(req); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(req)
}

// Create records a manual entry for the caller (e.g. a finance value update
// performed outside a tracked route).
func (h *Handler) Create(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := bindCreateRequest(c, &req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	entry, err := h.svc.Log(c.Request.Context(), actor, activitylog.Record{
		Action:      req.Action,
		ModelType:   req.ModelType,
		ModelID:     req.ModelID,
		ModelName:   req.ModelName,
		Description: req.Description,
		OldValues:   req.OldValues,
		NewValues:   req.NewValues,
	})
	if err != nil {
		respondError(c, "record activity", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": entry})
}
