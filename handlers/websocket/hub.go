package websocket

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"taskflow-server/presence"
	"taskflow-server/realtime"
)

// Client to server events.
const (
	eventJoinStorage  = "join_storage"
	eventLeaveStorage = "leave_storage"
	eventUserActivity = "user_activity"
)

var errNoStorageID = errors.New("storage id is required")

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// Hub owns the Socket.IO server and the presence tracker. It keeps Socket.IO
// room membership and tracker membership in step and delivers realtime events.
type Hub struct {
	srv     *socketio.Server
	tracker *presence.Tracker
	now     func() time.Time
}

// NewHub builds the Socket.IO server. origins are the allowed CORS origins;
// an empty list allows localhost only, "*" allows everyone.
func NewHub(origins []string) *Hub {
	h := &Hub{now: time.Now}
	h.tracker = presence.NewTracker(h)

	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(socketCors(origins))
	h.srv = socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	h.srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		h.handleConnection(socket)
	})

	return h
}

func (h *Hub) Server() *socketio.Server {
	return h.srv
}

func (h *Hub) Tracker() *presence.Tracker {
	return h.tracker
}

// Publish emits ev to every socket in the event's storage room.
func (h *Hub) Publish(ev realtime.Event) error {
	if ev.StorageID == "" {
		return fmt.Errorf("event %s has no storage id", ev.Name)
	}
	room := realtime.RoomName(ev.StorageID)
	if err := h.srv.To(socketio.Room(room)).Emit(ev.Name, ev.Body); err != nil {
		return fmt.Errorf("emit %s to %s: %w", ev.Name, room, err)
	}
	logrus.WithFields(logrus.Fields{
		"event": ev.Name,
		"room":  room,
	}).Debug("event published")
	return nil
}

// CountChanged is called by the tracker after every membership change.
func (h *Hub) CountChanged(storageID string, count int) {
	if err := h.Publish(realtime.OnlineCount(storageID, count)); err != nil {
		logrus.WithError(err).WithField("storage_id", storageID).Warn("failed to publish online count")
	}
}

// ConnectionsMoved moves the Socket.IO subscriptions of migrated connections.
// Every socket is in a room named after its own id, which addresses it here.
func (h *Hub) ConnectionsMoved(from, to string, connectionIDs []string) {
	fromRoom := socketio.Room(realtime.RoomName(from))
	toRoom := socketio.Room(realtime.RoomName(to))
	for _, id := range connectionIDs {
		self := h.srv.In(socketio.Room(id))
		self.SocketsJoin(toRoom)
		self.SocketsLeave(fromRoom)
	}
	logrus.WithFields(logrus.Fields{
		"from":        from,
		"to":          to,
		"connections": len(connectionIDs),
	}).Info("moved room subscriptions")
}

// RunHeartbeat re-broadcasts the online count of every occupied storage until
// ctx is done. A non-positive interval disables it.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tracker.Rebroadcast()
		}
	}
}

// Close disconnects every client. It is a no-op until ServeHandler has
// created the engine.
func (h *Hub) Close() {
	if h.srv.Engine() == nil {
		return
	}
	h.srv.Close(nil)
}

func (h *Hub) handleConnection(socket *socketio.Socket) {
	me := string(socket.Id())
	logrus.WithField("socket_id", me).Debug("client connected")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(eventJoinStorage, func(datas ...any) {
		r, args := newReply(socket, realtime.EventJoinedStorage, datas)
		storageID := parseStorageID(args)
		if storageID == "" {
			r.fail(errNoStorageID)
			return
		}

		socket.Join(socketio.Room(realtime.RoomName(storageID)))
		h.tracker.Join(me, storageID)

		r.ok(map[string]any{
			"status":     "ok",
			"storage_id": storageID,
			"count":      h.tracker.Count(storageID),
		})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(eventLeaveStorage, func(datas ...any) {
		r, args := newReply(socket, "", datas)
		storageID := parseStorageID(args)
		if storageID == "" {
			r.fail(errNoStorageID)
			return
		}

		socket.Leave(socketio.Room(realtime.RoomName(storageID)))
		h.tracker.Leave(me, storageID)
		r.ok(map[string]any{
			"status":     "ok",
			"storage_id": storageID,
		})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(eventUserActivity, func(datas ...any) {
		_, args := newReply(socket, "", datas)
		storageID, userID, activity := parseActivity(args)
		if storageID == "" || !activity.Valid() {
			logrus.WithFields(logrus.Fields{
				"socket_id": me,
				"activity":  activity,
			}).Debug("ignoring user activity")
			return
		}

		ev := realtime.UserActivity(storageID, userID, activity, h.now())
		room := socketio.Room(realtime.RoomName(storageID))
		if err := socket.Broadcast().To(room).Emit(ev.Name, ev.Body); err != nil {
			logrus.WithError(err).WithField("storage_id", storageID).Warn("failed to relay user activity")
		}
	})

	socket.On("disconnecting", func(...any) {
		h.tracker.Disconnect(me)
	})

	socket.On("disconnect", func(...any) {
		logrus.WithField("socket_id", me).Debug("client disconnected")
		socket.RemoveAllListeners("")
	})
}

func socketCors(origins []string) *types.Cors {
	allowed := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			return &types.Cors{Origin: "*"}
		default:
			allowed = append(allowed, origin)
		}
	}
	return &types.Cors{Origin: allowed, Credentials: true}
}

// parseStorageID accepts either {"storage_id": "..."} or a bare string.
func parseStorageID(args []any) string {
	if len(args) == 0 {
		return ""
	}
	switch v := args[0].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		id, _ := v["storage_id"].(string)
		return strings.TrimSpace(id)
	}
	return ""
}

func parseActivity(args []any) (storageID, userID string, activity realtime.Activity) {
	if len(args) == 0 {
		return "", "", ""
	}
	payload, ok := args[0].(map[string]any)
	if !ok {
		return "", "", ""
	}
	storageID, _ = payload["storage_id"].(string)
	userID, _ = payload["user_id"].(string)
	a, _ := payload["activity"].(string)
	return strings.TrimSpace(storageID), userID, realtime.Activity(a)
}
