package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/auth"
	"github.com/flammafex/hypertoken/internal/engine"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/monitoring"
	"github.com/flammafex/hypertoken/internal/room"
)

// EngineFactory builds one engine per room. Variant names select game
// setups; implementers register their handlers here.
type EngineFactory func(variant string) *engine.Engine

// RoomServer multiplexes authoritative sessions: one engine per room,
// commands routed to the caller's room, state broadcast room-wide only.
type RoomServer struct {
	rooms   *room.Manager
	factory EngineFactory
	tokens  *auth.TokenManager
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	sessions map[string]*Authoritative // room code -> session
	// membership maps a connected peer to its current room.
	membership map[string]string
	senders    map[string]Sender
}

// RoomServerOptions wires dependencies.
type RoomServerOptions struct {
	Rooms   *room.Manager
	Factory EngineFactory
	Tokens  *auth.TokenManager
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// NewRoomServer builds the multiplexer.
func NewRoomServer(opts RoomServerOptions) *RoomServer {
	if opts.Rooms == nil {
		opts.Rooms = room.NewManager(room.ManagerOptions{})
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Factory == nil {
		opts.Factory = func(string) *engine.Engine { return engine.New(engine.Options{}) }
	}
	return &RoomServer{
		rooms:      opts.Rooms,
		factory:    opts.Factory,
		tokens:     opts.Tokens,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		sessions:   make(map[string]*Authoritative),
		membership: make(map[string]string),
		senders:    make(map[string]Sender),
	}
}

// Connect registers a transport-level client.
func (rs *RoomServer) Connect(peerID string, send Sender) {
	rs.mu.Lock()
	rs.senders[peerID] = send
	rs.mu.Unlock()
}

// Disconnect detaches the peer from its room and transport.
func (rs *RoomServer) Disconnect(peerID string) {
	rs.leave(peerID)
	rs.mu.Lock()
	delete(rs.senders, peerID)
	rs.mu.Unlock()
}

// Session returns the engine session for a room code.
func (rs *RoomServer) Session(code string) (*Authoritative, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s, ok := rs.sessions[code]
	return s, ok
}

// Handle processes one command.
func (rs *RoomServer) Handle(peerID string, cmd Command) {
	rs.mu.Lock()
	send, ok := rs.senders[peerID]
	rs.mu.Unlock()
	if !ok {
		return
	}

	switch cmd.Cmd {
	case "room:create":
		rs.handleCreate(peerID, send, cmd)
	case "room:join":
		rs.handleJoin(peerID, send, cmd)
	case "room:leave":
		if rs.leave(peerID) {
			send(Reply{Cmd: "room:left"})
		} else {
			send(Reply{Cmd: "room:error", Message: "not in a room"})
		}
	case "room:list":
		send(Reply{Cmd: "room:list", Rooms: rs.rooms.ListPublic()})
	case "dispatch", "describe", "history":
		session, code := rs.sessionFor(peerID)
		if session == nil {
			send(Reply{Cmd: "error", Message: "join a room first"})
			return
		}
		rs.log.Debug("routing command",
			zap.String("peer_id", peerID), zap.String("room", code), zap.String("cmd", cmd.Cmd))
		session.Handle(peerID, cmd)
	default:
		send(Reply{Cmd: "error", Message: hterr.Newf(hterr.KindUnknownAction, "command %q", cmd.Cmd).Error()})
	}
}

func (rs *RoomServer) sessionFor(peerID string) (*Authoritative, string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	code, ok := rs.membership[peerID]
	if !ok {
		return nil, ""
	}
	return rs.sessions[code], code
}

func (rs *RoomServer) handleCreate(peerID string, send Sender, cmd Command) {
	cfg := room.Config{
		MaxMembers: cmd.MaxMembers,
		IsPrivate:  cmd.IsPrivate,
		Variant:    cmd.Variant,
	}
	if cmd.Password != "" {
		hash, err := room.HashPassword(cmd.Password)
		if err != nil {
			send(Reply{Cmd: "room:error", Message: err.Error()})
			return
		}
		cfg.PasswordHash = hash
	}
	r, err := rs.rooms.Create(peerID, cfg)
	if err != nil {
		send(Reply{Cmd: "room:error", Message: err.Error()})
		return
	}

	rs.mu.Lock()
	rs.sessions[r.Code] = NewAuthoritative(rs.factory(cmd.Variant), rs.log)
	count := len(rs.sessions)
	rs.mu.Unlock()
	if rs.metrics != nil {
		rs.metrics.ActiveRooms.Set(float64(count))
	}

	rs.log.Info("room created", zap.String("room", r.Code), zap.String("peer_id", peerID))
	send(Reply{Cmd: "room:created", RoomCode: r.Code})
}

func (rs *RoomServer) handleJoin(peerID string, send Sender, cmd Command) {
	// a peer is in at most one room
	rs.leave(peerID)

	r, err := rs.rooms.Join(cmd.RoomCode, peerID, cmd.Password)
	if err != nil {
		send(Reply{Cmd: "room:error", Message: err.Error()})
		return
	}

	rs.mu.Lock()
	session, ok := rs.sessions[r.Code]
	if !ok {
		session = NewAuthoritative(rs.factory(r.Config.Variant), rs.log)
		rs.sessions[r.Code] = session
	}
	rs.membership[peerID] = r.Code
	rs.mu.Unlock()

	var token string
	if rs.tokens != nil {
		token, err = rs.tokens.GenerateToken(peerID, r.Code, []auth.Permission{auth.PermissionDispatch})
		if err != nil {
			rs.log.Warn("session token mint failed", zap.Error(err))
		}
	}

	session.Connect(peerID, rs.roomSender(peerID, r.Code))
	send(Reply{Cmd: "room:joined", RoomCode: r.Code, PeerID: peerID, Token: token, State: session.stateFor(peerID)})
	rs.log.Info("peer joined room", zap.String("room", r.Code), zap.String("peer_id", peerID))
}

// roomSender wraps the transport sender, stamping the room code on
// session-originated replies.
func (rs *RoomServer) roomSender(peerID, code string) Sender {
	return func(reply Reply) {
		rs.mu.Lock()
		send, connected := rs.senders[peerID]
		still := rs.membership[peerID] == code
		rs.mu.Unlock()
		if !connected || !still {
			return
		}
		reply.RoomCode = code
		send(reply)
	}
}

// leave detaches the peer from its room; reports whether it was in one.
func (rs *RoomServer) leave(peerID string) bool {
	rs.mu.Lock()
	code, ok := rs.membership[peerID]
	if ok {
		delete(rs.membership, peerID)
	}
	session := rs.sessions[code]
	rs.mu.Unlock()
	if !ok {
		return false
	}

	if session != nil {
		session.Disconnect(peerID)
	}
	if rs.rooms.Leave(code, peerID) {
		rs.mu.Lock()
		delete(rs.sessions, code)
		count := len(rs.sessions)
		rs.mu.Unlock()
		if rs.metrics != nil {
			rs.metrics.ActiveRooms.Set(float64(count))
		}
		rs.log.Info("room retired", zap.String("room", code))
	}
	return true
}

func newWSPeerID() string { return uuid.NewString() }

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler mounts the websocket command endpoint.
func (rs *RoomServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", rs.handleWS)
	return mux
}

func (rs *RoomServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	peerID := newWSPeerID()
	var writeMu sync.Mutex
	send := func(reply Reply) {
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteMessage(websocket.TextMessage, data)
	}

	rs.Connect(peerID, send)
	defer rs.Disconnect(peerID)
	send(Reply{Cmd: "welcome", PeerID: peerID})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			send(Reply{Cmd: "error", Message: "undecodable command"})
			continue
		}
		rs.Handle(peerID, cmd)
	}
}
