package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"easyagent-client/internal/model"
	"easyagent-client/internal/storage"
	"easyagent-client/pkg/logger"
)

type ConversationHandler struct {
	store storage.Storage
}

func NewConversationHandler(store storage.Storage) *ConversationHandler {
	return &ConversationHandler{store: store}
}

func storageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrSessionNotFound) {
		errorJSON(c, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	logger.Errorf("Storage failure: %v", err)
	errorJSON(c, http.StatusInternalServerError, "storage_error", err.Error())
}

func summaries(sessions []*model.Session) model.SessionListResponse {
	out := model.SessionListResponse{Sessions: make([]model.SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, s.Summary())
	}
	return out
}

func (h *ConversationHandler) List(c *gin.Context) {
	sessions, err := h.store.SearchSessions("")
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries(sessions))
}

func (h *ConversationHandler) Search(c *gin.Context) {
	sessions, err := h.store.SearchSessions(c.Query("q"))
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries(sessions))
}

func (h *ConversationHandler) Get(c *gin.Context) {
	session, err := h.store.GetSession(c.Param("session_id"))
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	var req model.UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, err := h.store.GetSession(c.Param("session_id"))
	if err != nil {
		storageError(c, err)
		return
	}
	session.Title = req.Title
	session.UpdatedAt = time.Now()
	if err := h.store.UpdateSession(session); err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.Summary())
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.store.DeleteSession(c.Param("session_id")); err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "conversation deleted"})
}

func (h *ConversationHandler) Export(c *gin.Context) {
	session, err := h.store.GetSession(c.Param("session_id"))
	if err != nil {
		storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ConversationExport{
		Session:    session.Summary(),
		Messages:   session.Messages,
		ExportedAt: time.Now().Unix(),
	})
}
