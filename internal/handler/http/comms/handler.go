// Package comms handles the relay's REST surface: paginated message
// history and call logs.
package comms

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cargolink-comms/internal/repository/postgres"
	"cargolink-comms/internal/service/history"
	"cargolink-comms/pkg/pagination"
	"cargolink-comms/pkg/response"
)

// Handler handles comms HTTP requests.
type Handler struct {
	history *history.Service
	calls   *postgres.CallRepository
}

// NewHandler creates a comms handler. calls may be nil when the relay
// runs without a database.
func NewHandler(hist *history.Service, calls *postgres.CallRepository) *Handler {
	return &Handler{
		history: hist,
		calls:   calls,
	}
}

// GetMessages returns one page of conversation history, newest first.
// GET /api/v1/conversations/:id/messages?page=1&limit=50
func (h *Handler) GetMessages(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	response.Success(c, http.StatusOK, h.history.Page(conversationID, params.Page, params.Limit))
}

// GetCalls returns a user's recent calls, newest first.
// GET /api/v1/calls?user_id=...&limit=50
func (h *Handler) GetCalls(c *gin.Context) {
	if h.calls == nil {
		response.Error(c, http.StatusServiceUnavailable, "NO_CALL_STORE", "Call history is not configured")
		return
	}

	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}
	params, err := pagination.ParsePaginationParams("", c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	records, err := h.calls.ListByParticipant(c.Request.Context(), userID, params.Limit)
	if err != nil {
		response.InternalError(c, "Failed to list calls")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": records})
}

// GetCall returns one call record.
// GET /api/v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	if h.calls == nil {
		response.Error(c, http.StatusServiceUnavailable, "NO_CALL_STORE", "Call history is not configured")
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	rec, err := h.calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		if err == postgres.ErrCallNotFound {
			response.NotFound(c, "Call not found")
			return
		}
		response.InternalError(c, "Failed to get call")
		return
	}

	response.Success(c, http.StatusOK, rec)
}
