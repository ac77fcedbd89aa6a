package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kotoba-cbt/kotoba-backend/internal/middleware"
	"github.com/kotoba-cbt/kotoba-backend/internal/service"
	"github.com/kotoba-cbt/kotoba-backend/internal/session"
	ws "github.com/kotoba-cbt/kotoba-backend/internal/websocket"
	"github.com/rs/zerolog"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live exam session over WebSocket. The session object
// is the single authority on attempt state; the client sends intents and
// renders whatever state comes back.
type WSHandler struct {
	attemptService *service.AttemptService
	manager        *session.Manager
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, manager *session.Manager, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		manager:        manager,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/candidate/exams/:exam_id/stream
// Upgrades to WebSocket for live session actions and the 1 Hz countdown.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam ID"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	sess, err := h.attemptService.BuildSession(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		conn.WriteError(sessionLoadError(err))
		return
	}

	// A reconnect joins the already-live session instead of a fresh one.
	sess = h.manager.Attach(sess)

	wsLog := h.log.With().
		Int("user_id", claims.UserID).
		Str("exam_id", examID.String()).
		Str("attempt_id", sess.AttemptID().String()).
		Logger()

	wsLog.Info().Msg("Candidate connected")

	conn.WriteTyped(stateOf(sess))

	done := make(chan struct{})
	defer close(done)
	go h.tickLoop(conn, sess, examID, claims.UserID, done)

	h.actionLoop(conn, wsLog, sess)

	h.manager.Release(context.Background(), sess.AttemptID())
	wsLog.Info().Msg("Candidate disconnected")
}

// tickLoop pushes the derived countdown once per second. When the session
// reaches its terminal phase (expiry, the action loop, or another device
// submitting), it sends the grading and stops.
func (h *WSHandler) tickLoop(conn *ws.Conn, sess *session.Session, examID uuid.UUID, userID int, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if sess.Phase() == session.PhaseSubmitted {
				h.sendGrading(conn, examID, userID)
				return
			}
			if err := conn.WriteTyped(ws.TickResponse{
				Event:            ws.EventTick,
				RemainingSeconds: sess.Remaining().Seconds(),
			}); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) actionLoop(conn *ws.Conn, wsLog zerolog.Logger, sess *session.Session) {
	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAnswer:
			if qid, ok := parseQID(conn, msg.QID); ok {
				sess.SelectAnswer(qid, msg.Option)
				conn.WriteTyped(stateOf(sess))
			}
		case ws.ActionFlag:
			if qid, ok := parseQID(conn, msg.QID); ok {
				sess.ToggleFlag(qid)
				conn.WriteTyped(stateOf(sess))
			}
		case ws.ActionPlayAudio:
			if qid, ok := parseQID(conn, msg.QID); ok {
				sess.PlayAudio(qid)
				conn.WriteTyped(stateOf(sess))
			}
		case ws.ActionNext:
			sess.Next()
			conn.WriteTyped(stateOf(sess))
		case ws.ActionPrevious:
			sess.Previous()
			conn.WriteTyped(stateOf(sess))
		case ws.ActionJump:
			sess.JumpTo(msg.Index)
			conn.WriteTyped(stateOf(sess))
		case ws.ActionAckTransition:
			sess.AcknowledgeTransition()
			conn.WriteTyped(stateOf(sess))
		case ws.ActionFinishSection:
			if sess.FinishSection(msg.Confirm) {
				h.finalize(conn, wsLog, sess)
				return
			}
			conn.WriteTyped(stateOf(sess))
		case ws.ActionSubmit:
			// Explicit submit from the last section's confirm dialog.
			if sess.FinishSection(true) {
				h.finalize(conn, wsLog, sess)
				return
			}
			conn.WriteTyped(stateOf(sess))
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError("unknown action: " + string(msg.Action))
		}
	}
}

// finalize persists the terminal snapshot synchronously, then grades.
func (h *WSHandler) finalize(conn *ws.Conn, wsLog zerolog.Logger, sess *session.Session) {
	attempt, err := h.attemptService.SubmitFinal(context.Background(), sess.Snapshot())
	if err != nil {
		wsLog.Error().Err(err).Msg("Submit failed")
		conn.WriteError("submit failed")
		return
	}

	sess.MarkSubmitted()

	total := 0.0
	if attempt.TotalScore250 != nil {
		total = *attempt.TotalScore250
	}
	conn.WriteTyped(ws.SubmittedResponse{
		Event:         ws.EventSubmitted,
		ScoreSection:  attempt.ScoreSection,
		TotalScore250: total,
	})
}

func (h *WSHandler) sendGrading(conn *ws.Conn, examID uuid.UUID, userID int) {
	attempt, err := h.attemptService.Result(context.Background(), examID, userID)
	if err != nil {
		conn.WriteTyped(ws.SubmittedResponse{Event: ws.EventSubmitted})
		return
	}

	total := 0.0
	if attempt.TotalScore250 != nil {
		total = *attempt.TotalScore250
	}
	conn.WriteTyped(ws.SubmittedResponse{
		Event:         ws.EventSubmitted,
		ScoreSection:  attempt.ScoreSection,
		TotalScore250: total,
	})
}

// sessionLoadError maps a session load failure to its client-facing
// message. An already-submitted attempt and a missing catalog are distinct
// failures, not variants of "no attempt".
func sessionLoadError(err error) string {
	switch {
	case errors.Is(err, service.ErrAlreadyAttempted):
		return "attempt already submitted"
	case errors.Is(err, service.ErrCatalogNotFound):
		return "exam catalog unavailable"
	default:
		return "no active attempt for this exam"
	}
}

func stateOf(sess *session.Session) ws.StateResponse {
	return ws.StateResponse{
		Event:            ws.EventState,
		Phase:            sess.Phase().String(),
		CurrentSection:   sess.CurrentSection(),
		Index:            sess.Index(),
		RemainingSeconds: sess.Remaining().Seconds(),
	}
}

func parseQID(conn *ws.Conn, raw string) (uuid.UUID, bool) {
	qid, err := uuid.Parse(raw)
	if err != nil {
		conn.WriteError("invalid q_id format")
		return uuid.Nil, false
	}
	return qid, true
}
