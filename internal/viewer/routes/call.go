package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The control surface is bound to localhost; any local page may drive it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, call.ErrSelfCall):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrSessionEnded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type startRequest struct {
	PeerID string `json:"peer_id"`
	ChatID string `json:"chat_id"`
}

// startCall answers a start request in the shape both the REST and the
// WebSocket surfaces return.
func startCall(calls Calls, req startRequest) (int, map[string]any) {
	if req.PeerID == "" {
		return http.StatusBadRequest, map[string]any{"error": "missing peer_id"}
	}
	id, err := calls.StartCall(req.PeerID, req.ChatID)
	switch {
	case errors.Is(err, call.ErrNotReady):
		return http.StatusAccepted, map[string]any{"status": "queued"}
	case err != nil:
		return statusFor(err), map[string]any{"error": err.Error()}
	}
	return http.StatusOK, map[string]any{"status": "started", "call_id": id}
}

// RegisterCall registers the call control surface.
func RegisterCall(mux *http.ServeMux, calls Calls, media Media) {
	// POST /api/call/start {peer_id, chat_id}
	// A client placing a call over REST is itself a control surface, so the
	// request marks the surface ready instead of queueing behind a WebSocket.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req startRequest) {
		if req.PeerID != "" {
			calls.MarkReady()
		}
		status, body := startCall(calls, req)
		writeJSONStatus(w, status, body)
	})

	simple := func(path, status string, op func() error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := op(); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, map[string]string{"status": status})
		})
	}
	simple("/api/call/accept", "accepted", calls.Accept)
	simple("/api/call/reject", "rejected", calls.Reject)
	simple("/api/call/hangup", "ended", calls.EndCall)

	// POST /api/call/toggle-mute
	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleMute()
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.State())
	})

	// GET /api/call/debug: coordinator and session diagnostics.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Debug())
	})

	// GET /api/call/ws: event stream plus intents. The first connection marks
	// the control surface ready, which places any queued call.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("CALL: control WebSocket upgrade error: %v", err)
			return
		}
		serveControl(conn, calls)
	})

	if media == nil {
		return
	}

	// GET /api/call/media: WebSocket carrying the remote party's audio as a
	// live WebM stream. The first message is the init segment; subsequent
	// messages are clusters.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("CALL: media WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()
		log.Debug("CALL: media WebSocket connected")

		dataCh, cancel := media.Subscribe()
		defer cancel()

		closed := drain(conn)
		for {
			select {
			case <-closed:
				log.Debug("CALL: media WebSocket disconnected")
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}

// drain reads and discards client frames so control frames are processed.
// The returned channel closes when the client goes away.
func drain(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return closed
}

// intent is a UI request sent over the control WebSocket.
type intent struct {
	Action string `json:"action"` // start|accept|reject|hangup|toggle-mute|state
	PeerID string `json:"peer_id,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// reply answers one intent.
type reply struct {
	Type   string          `json:"type"` // "reply"
	Action string          `json:"action"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result map[string]any  `json:"result,omitempty"`
	State  *call.CallState `json:"state,omitempty"`
}

func serveControl(conn *websocket.Conn, calls Calls) {
	defer conn.Close()

	events, cancel := calls.Subscribe()
	defer cancel()

	out := make(chan any, 32)
	var (
		closeOnce sync.Once
		closed    = make(chan struct{})
	)
	shutdown := func() { closeOnce.Do(func() { close(closed) }) }

	// Writer: the only goroutine touching the connection for writes.
	go func() {
		defer conn.Close()
		defer shutdown()
		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			var err error
			select {
			case <-closed:
				return
			case v := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err = conn.WriteJSON(v)
			case ev, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err = conn.WriteJSON(ev)
			case <-ping.C:
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			}
			if err != nil {
				return
			}
		}
	}()

	send := func(v any) {
		select {
		case out <- v:
		case <-closed:
		}
	}

	calls.MarkReady()
	st := calls.State()
	send(call.Event{Type: call.EventState, State: st})

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			shutdown()
			return
		}
		var in intent
		if err := json.Unmarshal(data, &in); err != nil {
			send(reply{Type: "reply", Error: "invalid json"})
			continue
		}
		send(handleIntent(calls, in))
	}
}

func handleIntent(calls Calls, in intent) reply {
	rep := reply{Type: "reply", Action: in.Action}
	var err error
	switch in.Action {
	case "start":
		status, body := startCall(calls, startRequest{PeerID: in.PeerID, ChatID: in.ChatID})
		if status >= 400 {
			rep.Error, _ = body["error"].(string)
			return rep
		}
		rep.Result = body
	case "accept":
		err = calls.Accept()
	case "reject":
		err = calls.Reject()
	case "hangup":
		err = calls.EndCall()
	case "toggle-mute":
		var muted bool
		muted, err = calls.ToggleMute()
		if err == nil {
			rep.Result = map[string]any{"muted": muted}
		}
	case "state":
		st := calls.State()
		rep.State = &st
	default:
		err = errors.New("unknown action")
	}
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.OK = true
	return rep
}
