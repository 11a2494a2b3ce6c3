package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"threatwatch/internal/models"
	"threatwatch/internal/queue"
	"threatwatch/internal/repository"
)

// sessionConn is the slice of *websocket.Conn the session uses; tests supply
// an in-memory fake.
type sessionConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Session is one connected operator. Events are queued on a bounded send
// channel drained by the write pump; a full channel drops the event.
type Session struct {
	ID     string
	UserID string
	Role   string
	TeamID string

	hub  *Hub
	conn sessionConn
	send chan []byte

	closeOnce sync.Once
}

// clientMessage is the uniform shape of everything a client sends.
type clientMessage struct {
	Action  string `json:"action"`
	Room    string `json:"room,omitempty"`
	AlertID string `json:"alertId,omitempty"`
	Target  string `json:"target,omitempty"`
	ScanID  string `json:"scanId,omitempty"`
}

// HandleWS upgrades a client connection after verifying its token and runs
// the session pumps. The handler returns when the client disconnects.
func (h *Hub) HandleWS(c *gin.Context) {
	claims, err := h.auth.Verify(bearerToken(c))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if h.cfg.AllowAllOrigins {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	s := h.newSession(claims, conn)
	h.register(s)
	if h.logger != nil {
		h.logger.Info("session connected",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID),
			zap.String("role", s.Role),
		)
	}

	go s.writePump()
	s.sendInitialSnapshot(c.Request.Context())
	s.readPump(c.Request.Context())

	h.unregister(s)
	s.close()
	if h.logger != nil {
		h.logger.Info("session disconnected", zap.String("session_id", s.ID))
	}
}

func (h *Hub) newSession(claims Claims, conn sessionConn) *Session {
	buf := h.cfg.SendBuffer
	if buf <= 0 {
		buf = 32
	}
	return &Session{
		ID:     uuid.NewString(),
		UserID: claims.UserID,
		Role:   claims.Role,
		TeamID: claims.TeamID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, buf),
	}
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	auth := c.GetHeader("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// sendInitialSnapshot pushes the connection-status event: joined rooms, the
// session's recent alerts and current queue stats.
func (s *Session) sendInitialSnapshot(ctx context.Context) {
	h := s.hub

	var recent []models.AlertSummary
	if h.repo != nil {
		limit := h.cfg.SnapshotAlerts
		if limit <= 0 {
			limit = 20
		}
		userID := s.UserID
		items, err := h.repo.ListAlerts(ctx, repository.ListAlertsParams{
			UserID:     &userID,
			Unresolved: true,
			Limit:      limit,
		})
		if err == nil {
			for i := range items {
				recent = append(recent, items[i].Summary())
			}
		}
	}

	jobStats := map[string]queue.Stats{}
	if h.queue != nil {
		for _, jobType := range []string{models.JobTypeProcessSignal, models.JobTypeMonitorThreat} {
			if st, err := h.queue.Stats(ctx, jobType); err == nil {
				jobStats[jobType] = st
			}
		}
	}

	mode := ""
	if h.queue != nil {
		mode = h.queue.Mode()
	}
	s.sendEvent(Event{
		Type: EventConnectionStatus,
		Data: map[string]any{
			"sessionId":    s.ID,
			"userId":       s.UserID,
			"rooms":        h.roomsOf(s),
			"queueMode":    mode,
			"recentAlerts": recent,
			"jobStats":     jobStats,
		},
		At: time.Now().UTC(),
	})
}

// readPump consumes client messages until the connection drops. Handler
// errors are reported back to this session only.
func (s *Session) readPump(ctx context.Context) {
	limit := s.hub.cfg.ReadLimitBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	s.conn.SetReadLimit(limit)

	ping := s.hub.cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	deadline := 2 * ping
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *Session) handleMessage(ctx context.Context, msg clientMessage) {
	h := s.hub
	switch msg.Action {
	case "join_room":
		if err := h.Join(s, msg.Room); err != nil {
			s.sendError(err.Error())
			return
		}
		s.sendEvent(Event{Type: EventConnectionStatus, Data: map[string]any{
			"rooms": h.roomsOf(s),
		}, At: time.Now().UTC()})

	case "leave_room":
		h.Leave(s, msg.Room)

	case "mark_threat_read":
		if h.alerts == nil {
			s.sendError("alert actions unavailable")
			return
		}
		if _, err := h.alerts.MarkRead(ctx, msg.AlertID, s.UserID); err != nil {
			s.sendError(err.Error())
		}

	case "start_vulnerability_scan":
		if h.scanner == nil {
			s.sendError("scanner not configured")
			return
		}
		scanID, err := h.scanner.StartScan(ctx, msg.Target, s.UserID)
		if err != nil {
			s.sendError(err.Error())
			return
		}
		s.sendEvent(Event{Type: EventScanStarted, Data: map[string]any{
			"scanId": scanID,
			"target": msg.Target,
		}, At: time.Now().UTC()})

	case "scan_status":
		if h.scanner == nil {
			s.sendError("scanner not configured")
			return
		}
		status, err := h.scanner.Status(ctx, msg.ScanID)
		if err != nil {
			s.sendError(err.Error())
			return
		}
		s.sendEvent(Event{Type: EventScanStatus, Data: status, At: time.Now().UTC()})

	default:
		s.sendError("unknown action " + msg.Action)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (s *Session) writePump() {
	ping := s.hub.cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	writeTimeout := s.hub.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// trySend queues raw bytes without blocking; false means the session was too
// slow and the event is dropped.
func (s *Session) trySend(raw []byte) bool {
	select {
	case s.send <- raw:
		return true
	default:
		return false
	}
}

func (s *Session) sendEvent(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.trySend(raw)
}

func (s *Session) sendError(message string) {
	s.sendEvent(Event{
		Type: EventError,
		Data: map[string]any{"message": message},
		At:   time.Now().UTC(),
	})
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
