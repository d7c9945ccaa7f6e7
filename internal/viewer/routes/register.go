package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/state"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the call coordinator as seen by the control surface.
// *call.Manager satisfies it.
type Calls interface {
	MarkReady()
	StartCall(peerID, chatID string) (string, error)
	Accept() error
	Reject() error
	EndCall() error
	ToggleMute() (bool, error)
	State() call.CallState
	Debug() call.DebugInfo
	Subscribe() (<-chan call.Event, func())
}

// Media streams the remote party's audio as WebM.
type Media interface {
	Subscribe() (<-chan []byte, func())
}

type Deps struct {
	Calls Calls
	Media Media
	Peers *state.PeerTable
	// SelfInfo returns the JSON-able description of the local node.
	SelfInfo func() any
	Logs     Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerPeerRoutes(mux, d)
	if d.Calls != nil {
		RegisterCall(mux, d.Calls, d.Media)
	}
}
