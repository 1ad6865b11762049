package api

import (
	"encoding/json"
	goerrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/external"
	"github.com/ferrydev/ferry/internal/orchestrator"
	"github.com/ferrydev/ferry/internal/runner"
	"github.com/ferrydev/ferry/internal/session"
)

// approvalChoices maps the numeric approval_choice of the start request
// to a mode.
var approvalChoices = []session.ApprovalMode{
	session.ApprovalInteractive,
	session.ApprovalAcceptEdits,
	session.ApprovalBypass,
}

// Handler contains the HTTP handlers for the broker API.
type Handler struct {
	store  *session.Store
	orch   *orchestrator.Service
	ext    *external.Service
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(store *session.Store, orch *orchestrator.Service, ext *external.Service, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		orch:   orch,
		ext:    ext,
		logger: log,
	}
}

// writeError renders the standard error envelope with the status and
// code carried by the error.
func writeError(c *gin.Context, err error) {
	message := err.Error()
	var appErr *errors.AppError
	if goerrors.As(err, &appErr) {
		message = appErr.Message
	}
	c.JSON(errors.GetHTTPStatus(err), gin.H{
		"error": gin.H{
			"code":    errors.GetCode(err),
			"message": message,
		},
	})
}

// CreateSession creates a session record. Nothing runs until /start.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError(err.Error()))
		return
	}

	adapter := req.Adapter
	if adapter == "" {
		adapter = req.AgentName
	}
	sess, err := h.store.Create(c.Request.Context(), session.CreateOptions{
		Directory: req.Directory,
		BaseRef:   req.BaseRef,
		Adapter:   adapter,
		Name:      req.SessionName,
		Platform:  req.Platform,
	})
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns every session.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GetSession fetches one session.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.store.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession removes a session. Refused with 409 while a runner owns
// it.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.orch.Delete(c.Request.Context(), c.Param("sessionId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartSession begins a turn.
// POST /api/v1/sessions/:sessionId/start
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError(err.Error()))
		return
	}

	var mode session.ApprovalMode
	if req.ApprovalChoice != nil {
		idx := *req.ApprovalChoice
		if idx < 0 || idx >= len(approvalChoices) {
			writeError(c, errors.ValidationError("approval_choice out of range"))
			return
		}
		mode = approvalChoices[idx]
	}

	sess, err := h.orch.Start(c.Request.Context(), c.Param("sessionId"), req.Prompt, mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Input delivers user text.
// POST /api/v1/sessions/:sessionId/input
func (h *Handler) Input(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError(err.Error()))
		return
	}
	sess, err := h.orch.Input(c.Request.Context(), c.Param("sessionId"), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Interrupt stops the active turn.
// POST /api/v1/sessions/:sessionId/interrupt
func (h *Handler) Interrupt(c *gin.Context) {
	sess, err := h.orch.Interrupt(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ResolvePermission answers a pending permission request. First writer
// wins; a request that is unknown or already resolved is a 404.
// POST /api/v1/sessions/:sessionId/permission
func (h *Handler) ResolvePermission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError(err.Error()))
		return
	}
	err := h.orch.ResolvePermission(c.Request.Context(), c.Param("sessionId"),
		req.RequestID, req.Allow, req.Message, req.UpdatedInput)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID, "allow": req.Allow})
}

// PushEvent is the channel for external agents that drive their own
// session: they report output, status changes, errors and permission
// requests here instead of through a runner adapter. The first event
// moves a CREATED session to RUNNING.
// POST /api/v1/sessions/:sessionId/events
func (h *Handler) PushEvent(c *gin.Context) {
	id := c.Param("sessionId")
	var req PushEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError(err.Error()))
		return
	}

	ctx := c.Request.Context()
	sess, err := h.store.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.State == session.StateCreated {
		if _, err := h.store.Transition(ctx, id, session.StateRunning, session.TransitionOpts{AllowSame: true}); err != nil {
			writeError(c, err)
			return
		}
	}

	switch req.Type {
	case "output":
		var payload events.OutputPayload
		if err := decodeData(req.Data, &payload); err != nil {
			writeError(c, errors.ValidationError("bad output payload: "+err.Error()))
			return
		}
		if payload.Kind == "" {
			payload.Kind = events.OutputKindStep
		}
		if _, err := h.store.EmitOutput(ctx, id, payload); err != nil {
			writeError(c, err)
			return
		}

	case "status":
		state, _ := req.Data["state"].(string)
		target := session.State(state)
		if !target.Valid() {
			writeError(c, errors.ValidationError("unknown state '"+state+"'"))
			return
		}
		if _, err := h.store.Transition(ctx, id, target, session.TransitionOpts{AllowSame: true}); err != nil {
			writeError(c, err)
			return
		}

	case "error":
		var payload events.ErrorPayload
		if err := decodeData(req.Data, &payload); err != nil {
			writeError(c, errors.ValidationError("bad error payload: "+err.Error()))
			return
		}
		if payload.Code == "" {
			payload.Code = errors.ErrCodeRunnerError
		}
		if _, err := h.store.Emit(ctx, id, payload); err != nil {
			writeError(c, err)
			return
		}

	case "permission_request":
		var payload events.PermissionRequestPayload
		if err := decodeData(req.Data, &payload); err != nil {
			writeError(c, errors.ValidationError("bad permission_request payload: "+err.Error()))
			return
		}
		if payload.RequestID == "" {
			payload.RequestID = uuid.New().String()
		}
		// The agent observes the answer via the poll endpoint, so the
		// decision channel is left to the timeout/resolve machinery.
		h.orch.OnPermissionRequest(id, runner.PermissionRequest{
			RequestID:   payload.RequestID,
			ToolName:    payload.ToolName,
			ToolInput:   payload.ToolInput,
			Suggestions: payload.Suggestions,
		})

	default:
		writeError(c, errors.ValidationError("unknown event type '"+req.Type+"'"))
		return
	}
	c.Status(http.StatusAccepted)
}

// PollEvents returns journalled events after since_seq, filtered by
// type. The default filter serves push agents: it carries exactly what
// they cannot produce themselves.
// GET /api/v1/sessions/:sessionId/events/poll?since_seq&types
func (h *Handler) PollEvents(c *gin.Context) {
	id := c.Param("sessionId")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	var sinceSeq int64
	if raw := c.Query("since_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, errors.ValidationError("since_seq must be an integer"))
			return
		}
		sinceSeq = v
	}

	types := map[string]bool{
		events.TypeUserInput:          true,
		events.TypePermissionResolved: true,
	}
	if raw := c.Query("types"); raw != "" {
		types = map[string]bool{}
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types[t] = true
			}
		}
	}

	evs, err := h.store.ReadSince(id, sinceSeq, types)
	if err != nil {
		writeError(c, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: evs, Total: len(evs)})
}

// Usage aggregates token and cost metadata from the journal.
// GET /api/v1/sessions/:sessionId/usage
func (h *Handler) Usage(c *gin.Context) {
	id := c.Param("sessionId")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	usage, err := h.store.Usage(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// ListExternalSessions returns scanner results across runner types.
// GET /api/v1/external-sessions?directory&runner_type&limit
func (h *Handler) ListExternalSessions(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := h.ext.List(c.Request.Context(), c.Query("directory"), c.Query("runner_type"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []external.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": len(out)})
}

// ExternalHistory returns the parsed transcript of one external session.
// GET /api/v1/external-sessions/:externalId/history?runner_type&limit
func (h *Handler) ExternalHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, err)
		return
	}
	detail, err := h.ext.History(c.Request.Context(), c.Param("externalId"), c.Query("runner_type"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Attach adopts an external CLI session. 201 when a broker session was
// created, 200 when the external id was already bound.
// POST /api/v1/sessions/attach
func (h *Handler) Attach(c *gin.Context) {
	var req AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.ValidationError(err.Error()))
		return
	}
	sess, created, err := h.ext.Attach(c.Request.Context(), req.ExternalID, req.RunnerType, req.Directory)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, sess)
}

// Sync re-reads an attached session's external file and emits what is
// new.
// POST /api/v1/sessions/:sessionId/sync
func (h *Handler) Sync(c *gin.Context) {
	emitted, err := h.ext.Sync(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Emitted: emitted})
}

func decodeData(data map[string]any, target any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.ValidationError(name + " must be an integer")
	}
	return v, nil
}
