package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"threatwatch/internal/config"
	"threatwatch/internal/metrics"
	"threatwatch/internal/models"
	"threatwatch/internal/obs"
	"threatwatch/internal/queue"
	"threatwatch/internal/repository"
	"threatwatch/internal/scanner"
)

// Event names pushed to sessions.
const (
	EventThreatAlert      = "threat-alert"
	EventMetrics          = "realtime-metrics"
	EventDashboardUpdate  = "dashboard:threat-update"
	EventConnectionStatus = "connection-status"
	EventError            = "error"
	EventScanStarted      = "scan-started"
	EventScanStatus       = "scan-status"
)

// AdminPriorityThreshold is the priority at or above which alerts also reach
// the admin role room.
const AdminPriorityThreshold = 4

// Room name builders. Rooms are plain strings; membership is gated at join
// time, never at broadcast time.
func RoomUser(userID string) string      { return "user:" + userID }
func RoomRole(role string) string        { return "role:" + role }
func RoomDashboard(userID string) string { return "dashboard:" + userID }
func RoomMonitor(target string) string   { return "monitor:" + strings.ToLower(target) }
func RoomTeam(teamID string) string      { return "team:" + teamID }

const RoomMetrics = "metrics-subscribers"

// Event is the envelope every session receives.
type Event struct {
	Type string    `json:"type"`
	Room string    `json:"room,omitempty"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// AlertActions is the subset of the alert lifecycle the hub drives on behalf
// of client messages.
type AlertActions interface {
	MarkRead(ctx context.Context, id, actor string) (*models.ThreatAlert, error)
}

// ScanLauncher starts and tracks on-demand scans against the external
// engine.
type ScanLauncher interface {
	StartScan(ctx context.Context, target, userID string) (string, error)
	Status(ctx context.Context, scanID string) (scanner.ScanStatus, error)
}

// Hub owns the room map and fans events out to connected sessions. Delivery
// is best-effort at-most-once: sends never block, slow sessions drop.
type Hub struct {
	cfg    config.HubConfig
	auth   Authenticator
	logger *zap.Logger

	repo    repository.AlertRepository
	queue   queue.Queue
	alerts  AlertActions
	scanner ScanLauncher

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}

	droppedFanout uint64
}

func New(cfg config.HubConfig, repo repository.AlertRepository, q queue.Queue, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		auth:     Authenticator{Secret: []byte(cfg.AuthSecret)},
		logger:   logger,
		repo:     repo,
		queue:    q,
		sessions: map[*Session]struct{}{},
		rooms:    map[string]map[*Session]struct{}{},
	}
}

// SetAlertActions and SetScanner finish wiring after construction; the alert
// service publishes through the hub, so it is built second.
func (h *Hub) SetAlertActions(a AlertActions) { h.alerts = a }
func (h *Hub) SetScanner(s ScanLauncher)      { h.scanner = s }

// Run logs fan-out stats until the context is done, then closes every
// session.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if h.logger != nil {
				h.mu.RLock()
				connected := len(h.sessions)
				h.mu.RUnlock()
				h.logger.Info("hub stats",
					zap.Int("sessions", connected),
					zap.Uint64("dropped_fanout", atomic.LoadUint64(&h.droppedFanout)),
				)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// register adds a session and auto-joins its identity rooms.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.joinLocked(s, RoomUser(s.UserID))
	if s.Role != "" {
		h.joinLocked(s, RoomRole(s.Role))
	}
	h.mu.Unlock()
	obs.ConnectedSessions.Inc()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	for room, members := range h.rooms {
		if _, ok := members[s]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	obs.ConnectedSessions.Dec()
}

// Join subscribes the session to a room after the gating check.
func (h *Hub) Join(s *Session, room string) error {
	if err := h.canJoin(s, room); err != nil {
		return err
	}
	h.mu.Lock()
	h.joinLocked(s, room)
	h.mu.Unlock()
	return nil
}

func (h *Hub) joinLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = map[*Session]struct{}{}
		h.rooms[room] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// canJoin enforces room access: identity rooms are own-only, team rooms are
// role-gated, monitor and metrics rooms are open to any session.
func (h *Hub) canJoin(s *Session, room string) error {
	switch {
	case room == RoomMetrics:
		return nil
	case strings.HasPrefix(room, "user:"):
		if room != RoomUser(s.UserID) {
			return &RoomAccessError{Room: room, Reason: "user rooms are own-only"}
		}
	case strings.HasPrefix(room, "dashboard:"):
		if room != RoomDashboard(s.UserID) {
			return &RoomAccessError{Room: room, Reason: "dashboard rooms are own-only"}
		}
	case strings.HasPrefix(room, "role:"):
		if room != RoomRole(s.Role) {
			return &RoomAccessError{Room: room, Reason: "role rooms match the session role"}
		}
	case strings.HasPrefix(room, "team:"):
		if s.Role != "analyst" && s.Role != "admin" {
			return &RoomAccessError{Room: room, Reason: "team rooms require analyst or admin role"}
		}
	case strings.HasPrefix(room, "monitor:"):
		if strings.TrimPrefix(room, "monitor:") == "" {
			return &RoomAccessError{Room: room, Reason: "monitor room without target"}
		}
	default:
		return &RoomAccessError{Room: room, Reason: "unknown room"}
	}
	return nil
}

// RoomAccessError reports a denied join_room request.
type RoomAccessError struct {
	Room   string
	Reason string
}

func (e *RoomAccessError) Error() string {
	return "cannot join " + e.Room + ": " + e.Reason
}

// PublishNewAlert routes a freshly created alert: full payload to the
// owner's user room and any monitor room for the target, a summary to the
// owner's dashboard, and high-priority alerts additionally to admins.
func (h *Hub) PublishNewAlert(alert *models.ThreatAlert) {
	if alert == nil {
		return
	}
	now := time.Now().UTC()
	full := Event{Type: EventThreatAlert, Data: alert, At: now}

	h.broadcast(RoomUser(alert.UserID), full)
	if alert.Target != "" {
		h.broadcast(RoomMonitor(alert.Target), full)
	}
	h.broadcast(RoomDashboard(alert.UserID), Event{
		Type: EventDashboardUpdate,
		Data: alert.Summary(),
		At:   now,
	})
	if alert.Priority >= AdminPriorityThreshold {
		h.broadcast(RoomRole("admin"), full)
	}
}

// PublishAlertUpdate routes a lifecycle change to the rooms that saw the
// alert; escalations into the admin band also reach the admin role room.
func (h *Hub) PublishAlertUpdate(alert *models.ThreatAlert, actionType string) {
	if alert == nil {
		return
	}
	now := time.Now().UTC()
	update := Event{
		Type: EventThreatAlert,
		Data: map[string]any{"alert": alert, "action": actionType},
		At:   now,
	}

	h.broadcast(RoomUser(alert.UserID), update)
	if alert.Target != "" {
		h.broadcast(RoomMonitor(alert.Target), update)
	}
	h.broadcast(RoomDashboard(alert.UserID), Event{
		Type: EventDashboardUpdate,
		Data: map[string]any{"alert": alert.Summary(), "action": actionType},
		At:   now,
	})
	if actionType == "escalate" && alert.Priority >= AdminPriorityThreshold {
		h.broadcast(RoomRole("admin"), update)
	}
}

// PublishMetrics pushes a fresh snapshot to metrics subscribers and every
// open dashboard.
func (h *Hub) PublishMetrics(snapshot metrics.Snapshot) {
	ev := Event{Type: EventMetrics, Data: snapshot, At: time.Now().UTC()}
	h.broadcast(RoomMetrics, ev)
	h.broadcastPrefix("dashboard:", ev)
}

func (h *Hub) broadcast(room string, ev Event) {
	ev.Room = room
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	members := h.rooms[room]
	delivered := 0
	for s := range members {
		if s.trySend(raw) {
			delivered++
		} else {
			atomic.AddUint64(&h.droppedFanout, 1)
		}
	}
	h.mu.RUnlock()
	if delivered > 0 {
		obs.EventsBroadcast.WithLabelValues(ev.Type).Add(float64(delivered))
	}
}

func (h *Hub) broadcastPrefix(prefix string, ev Event) {
	h.mu.RLock()
	rooms := make([]string, 0)
	for room := range h.rooms {
		if strings.HasPrefix(room, prefix) {
			rooms = append(rooms, room)
		}
	}
	h.mu.RUnlock()
	for _, room := range rooms {
		h.broadcast(room, ev)
	}
}

// roomsOf lists the rooms a session currently belongs to.
func (h *Hub) roomsOf(s *Session) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for room, members := range h.rooms {
		if _, ok := members[s]; ok {
			out = append(out, room)
		}
	}
	return out
}
