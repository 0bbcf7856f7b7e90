// Package server hosts engine-owning game servers: clients propose actions,
// the server validates and applies them, and fresh state broadcasts to the
// session.
package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/engine"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/logging"
)

// Command is a client request.
type Command struct {
	Cmd        string         `json:"cmd"`
	Type       string         `json:"type,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	RoomCode   string         `json:"roomCode,omitempty"`
	Password   string         `json:"password,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	MaxMembers int            `json:"maxMembers,omitempty"`
	IsPrivate  bool           `json:"isPrivate,omitempty"`
	FromIndex  int64          `json:"fromIndex,omitempty"`
	Token      string         `json:"token,omitempty"`
}

// Reply is a server response or broadcast.
type Reply struct {
	Cmd      string                `json:"cmd"`
	RoomCode string                `json:"roomCode,omitempty"`
	PeerID   string                `json:"peerId,omitempty"`
	State    map[string]any        `json:"state,omitempty"`
	History  []engine.ActionRecord `json:"history,omitempty"`
	Rooms    []string              `json:"rooms,omitempty"`
	Message  string                `json:"message,omitempty"`
	Token    string                `json:"token,omitempty"`
	Seq      int64                 `json:"seq,omitempty"`
	Result   any                   `json:"result,omitempty"`
}

// Sender pushes replies to one client.
type Sender func(Reply)

// StateFilter lets hidden-information games redact state per client.
type StateFilter func(peerID string, state map[string]any) map[string]any

// Authoritative owns a single engine: the only writer. Clients propose via
// dispatch commands; accepted actions broadcast the new state.
type Authoritative struct {
	eng    *engine.Engine
	log    *logging.Logger
	filter StateFilter

	mu      sync.Mutex
	clients map[string]Sender
}

// NewAuthoritative wraps an engine.
func NewAuthoritative(eng *engine.Engine, log *logging.Logger) *Authoritative {
	if log == nil {
		log = logging.NewNop()
	}
	return &Authoritative{
		eng:     eng,
		log:     log,
		clients: make(map[string]Sender),
	}
}

// Engine exposes the owned engine for validation hooks.
func (a *Authoritative) Engine() *engine.Engine { return a.eng }

// SetStateFilter installs per-client state redaction.
func (a *Authoritative) SetStateFilter(f StateFilter) { a.filter = f }

// Connect registers a client and sends it the current state.
func (a *Authoritative) Connect(peerID string, send Sender) {
	a.mu.Lock()
	a.clients[peerID] = send
	a.mu.Unlock()
	send(Reply{Cmd: "state", PeerID: peerID, State: a.stateFor(peerID), Seq: a.lastSeq()})
}

// Disconnect forgets a client.
func (a *Authoritative) Disconnect(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, peerID)
}

func (a *Authoritative) stateFor(peerID string) map[string]any {
	state := a.eng.State()
	if a.filter != nil {
		return a.filter(peerID, state)
	}
	return state
}

func (a *Authoritative) lastSeq() int64 {
	hist := a.eng.History()
	if len(hist) == 0 {
		return 0
	}
	return hist[len(hist)-1].Seq
}

// Handle processes one command from a connected client.
func (a *Authoritative) Handle(peerID string, cmd Command) {
	a.mu.Lock()
	send, ok := a.clients[peerID]
	a.mu.Unlock()
	if !ok {
		return
	}

	switch cmd.Cmd {
	case "dispatch":
		result, err := a.eng.Dispatch(cmd.Type, cmd.Payload)
		if err != nil {
			a.log.Debug("dispatch rejected",
				zap.String("peer_id", peerID), zap.String("type", cmd.Type), zap.Error(err))
			send(Reply{Cmd: "error", Message: err.Error()})
			return
		}
		send(Reply{Cmd: "result", Result: result, Seq: a.lastSeq()})
		a.broadcastState()
	case "describe":
		send(Reply{Cmd: "state", PeerID: peerID, State: a.stateFor(peerID), Seq: a.lastSeq()})
	case "history":
		send(Reply{Cmd: "history", History: a.eng.HistorySince(cmd.FromIndex), Seq: a.lastSeq()})
	default:
		send(Reply{Cmd: "error", Message: hterr.Newf(hterr.KindUnknownAction, "command %q", cmd.Cmd).Error()})
	}
}

// broadcastState pushes (possibly filtered) state to every client.
func (a *Authoritative) broadcastState() {
	a.mu.Lock()
	targets := make(map[string]Sender, len(a.clients))
	for id, send := range a.clients {
		targets[id] = send
	}
	a.mu.Unlock()

	seq := a.lastSeq()
	for id, send := range targets {
		send(Reply{Cmd: "state", PeerID: id, State: a.stateFor(id), Seq: seq})
	}
}
