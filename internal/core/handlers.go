package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/common/errorx"
)

type (
	createSessionRequest struct {
		SessionID string `json:"sessionId"`
	}

	createSessionResponse struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
		Created   bool   `json:"created"`
	}

	sessionSummary struct {
		SessionID    string    `json:"sessionId"`
		Status       string    `json:"status"`
		Subscribers  int       `json:"subscriberCount"`
		LastActivity time.Time `json:"lastActivity"`
		Bytes        int64     `json:"bytes"`
	}

	publishRequest struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
)

// handleCreateOrAttach creates a session or returns the existing one.
func (s *Server) handleCreateOrAttach(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	info, created, err := s.broadcaster.Store().GetOrCreate(c.Request.Context(), req.SessionID)
	if err != nil {
		s.sendError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, createSessionResponse{
		SessionID: info.ID,
		Status:    info.Status,
		Created:   created,
	})
}

// handleListActive returns a snapshot of all live sessions.
func (s *Server) handleListActive(c *gin.Context) {
	infos, err := s.broadcaster.Store().List(c.Request.Context())
	if err != nil {
		s.sendError(c, err)
		return
	}

	sessions := make([]sessionSummary, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, sessionSummary{
			SessionID:    info.ID,
			Status:       info.Status,
			Subscribers:  info.Subscribers,
			LastActivity: info.LastActivity,
			Bytes:        info.Bytes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleForceClose closes a session and ends all of its streams.
func (s *Server) handleForceClose(c *gin.Context) {
	id := c.Param("id")
	if err := s.broadcaster.CloseSession(c.Request.Context(), id); err != nil {
		s.sendError(c, err)
		return
	}
	s.logger.Info("session force closed", zap.String("session_id", id))
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": cnst.SessionClosed})
}

// handlePublish appends an event to a session and fans it out.
func (s *Server) handlePublish(c *gin.Context) {
	id := c.Param("id")

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Type == "" {
		req.Type = cnst.EventData
	}
	switch req.Type {
	case cnst.EventProgress, cnst.EventData, cnst.EventError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported event type"})
		return
	}

	seq, err := s.broadcaster.Publish(c.Request.Context(), id, req.Type, req.Payload)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": seq})
}

// sendError maps domain errors onto HTTP status codes.
func (s *Server) sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errorx.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errorx.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, errorx.ErrCapacityExceeded):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
