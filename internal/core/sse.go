package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/broadcast"
	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/common/errorx"
	"github.com/relaycast/relaycast/internal/connstate"
	"github.com/relaycast/relaycast/internal/session"
)

// readyPayload is the body of the connection-ready frame.
type readyPayload struct {
	SessionID       string `json:"sessionId"`
	ConnectionID    string `json:"connectionId"`
	LowestSequence  uint64 `json:"lowestSequence"`
	HighestSequence int64  `json:"highestSequence"`
	ReplayGap       bool   `json:"replayGap"`
}

// handleStream handles SSE stream connections
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("id")
	connectionID := uuid.New().String()

	fromSeq := replayCursor(c)

	s.tracker.Register(connectionID, sessionID)
	defer s.tracker.Unregister(connectionID)

	if err := s.tracker.Transition(connectionID, connstate.StateConnecting); err != nil {
		s.sendError(c, err)
		return
	}

	var sub *broadcast.Subscription
	var err error
	if last, resuming := resumeSequence(c); resuming && s.reconnect != nil {
		// Resuming clients go through the reconnect manager so transient
		// subscribe failures are retried under backoff.
		sub, err = s.reconnect.Reconnect(c.Request.Context(), sessionID, connectionID, last)
	} else {
		sub, err = s.broadcaster.Subscribe(c.Request.Context(), sessionID, connectionID, fromSeq)
	}
	if err != nil {
		_ = s.tracker.Transition(connectionID, connstate.StateErrored)
		s.sendError(c, err)
		return
	}
	defer s.broadcaster.Unsubscribe(c.Request.Context(), sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")

	window := sub.Window()
	ready := readyPayload{
		SessionID:       sessionID,
		ConnectionID:    connectionID,
		LowestSequence:  window.Lowest,
		HighestSequence: window.Highest(),
		ReplayGap:       sub.ReplayGap(),
	}
	if err := s.writeJSONFrame(c, cnst.EventConnectionReady, ready); err != nil {
		s.logger.Error("failed to initialize stream", zap.Error(err))
		_ = s.tracker.Transition(connectionID, connstate.StateErrored)
		return
	}

	if err := s.tracker.Transition(connectionID, connstate.StateConnected); err != nil {
		s.logger.Warn("connection state out of sync",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return
	}

	s.logger.Info("stream opened",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connectionID),
		zap.Uint64("from_sequence", fromSeq))

	s.streamLoop(c, sub, connectionID)

	_ = s.tracker.Transition(connectionID, connstate.StateClosing)
	_ = s.tracker.Transition(connectionID, connstate.StateClosed)
	s.logger.Info("stream closed",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connectionID))
}

// streamLoop drains the subscription queue into the response until the
// subscription ends, the client disconnects, or the server shuts down.
func (s *Server) streamLoop(c *gin.Context, sub *broadcast.Subscription, connectionID string) {
	heartbeat := time.NewTicker(s.heartbeat.Interval)
	defer heartbeat.Stop()

	streaming := false
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				s.finishStream(c, sub)
				return
			}
			if err := s.writeEventFrame(c, evt); err != nil {
				s.logger.Debug("failed to write event frame",
					zap.String("connection_id", connectionID),
					zap.Error(err))
				return
			}
			s.tracker.SetLastSequence(connectionID, evt.Sequence)
			if !streaming {
				streaming = true
				_ = s.tracker.Transition(connectionID, connstate.StateStreaming)
			}
		case <-heartbeat.C:
			if err := s.writeFrame(c, cnst.EventHeartbeat, []byte("{}")); err != nil {
				return
			}
			s.tracker.Heartbeat(connectionID)
		case <-c.Request.Context().Done():
			return
		case <-s.shutdownCh:
			_ = s.writeFrame(c, cnst.EventStreamEnd, []byte("{}"))
			return
		}
	}
}

// finishStream emits the terminal frames after the subscription queue is
// drained and closed.
func (s *Server) finishStream(c *gin.Context, sub *broadcast.Subscription) {
	if reason := terminalReason(sub.Err()); reason != "" {
		_ = s.writeJSONFrame(c, cnst.EventError, gin.H{"reason": reason})
	}
	_ = s.writeFrame(c, cnst.EventStreamEnd, []byte("{}"))
}

// replayCursor resolves the starting sequence for a stream request. The
// from query parameter wins over Last-Event-ID; a Last-Event-ID of n means
// n was delivered, so replay resumes at n+1. Absent both, the stream tails
// live events only.
func replayCursor(c *gin.Context) uint64 {
	if raw := c.Query("from"); raw != "" {
		if from, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return from
		}
	}
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if last, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return last + 1
		}
	}
	return math.MaxUint64
}

// resumeSequence reports the last event id a resuming client acknowledged
// via Last-Event-ID. An explicit from query is a fresh replay request, not
// a resume.
func resumeSequence(c *gin.Context) (uint64, bool) {
	if c.Query("from") != "" {
		return 0, false
	}
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		return 0, false
	}
	last, err := strconv.ParseUint(raw, 10, 64)
	return last, err == nil
}

func terminalReason(err error) string {
	switch {
	case err == nil, errors.Is(err, errorx.ErrSessionClosed):
		return ""
	case errors.Is(err, errorx.ErrSubscriberOverwhelmed):
		return "overwhelmed"
	case errors.Is(err, errorx.ErrReconnectExhausted):
		return "reconnect-exhausted"
	default:
		return "internal"
	}
}

func (s *Server) writeEventFrame(c *gin.Context, evt session.Event) error {
	if _, err := fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n",
		evt.Sequence, evt.Type, evt.Payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (s *Server) writeFrame(c *gin.Context, event string, data []byte) error {
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (s *Server) writeJSONFrame(c *gin.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.writeFrame(c, event, data)
}
