// Package peer gives upper layers a send(peer, bytes) primitive whose
// quality improves over time: traffic starts on the relay and upgrades to a
// direct channel when negotiation succeeds, falling back silently when it
// does not.
package peer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/relay"
)

// Receiver handles application bytes from a peer.
type Receiver func(peerID string, data []byte)

// PresenceHandler observes peers joining and leaving the relay.
type PresenceHandler func(peerID string, joined bool)

// frame types used inside relayed payloads
const (
	kindData        = "data"
	kindPing        = "ping"
	kindPong        = "pong"
	kindDirectOffer = "direct-offer"
	kindDirectOK    = "direct-answer"
)

type payload struct {
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
	// Addr carries the direct listener address during upgrade.
	Addr string `json:"addr,omitempty"`
	// Nanos carries the ping send time for RTT measurement.
	Nanos int64 `json:"nanos,omitempty"`
}

// link is the state for one remote peer.
type link struct {
	direct net.Conn
	rtt    time.Duration
}

// HybridOptions tunes the transport.
type HybridOptions struct {
	// DirectUpgrade advertises a TCP listener and negotiates direct
	// channels with capable peers.
	DirectUpgrade     bool
	HeartbeatInterval time.Duration
	Logger            *logging.Logger
}

// Hybrid is a relay-backed transport with optional direct upgrade.
type Hybrid struct {
	opts HybridOptions
	log  *logging.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	peerID  string

	listener net.Listener

	mu       sync.Mutex
	links    map[string]*link
	receiver Receiver
	presence PresenceHandler
	closed   bool
	welcome  chan struct{}
}

// Dial connects to a relay websocket endpoint and waits for the welcome.
func Dial(url string, opts HybridOptions) (*Hybrid, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, hterr.Wrap(hterr.KindPeerUnreachable, "dialing relay", err)
	}

	h := &Hybrid{
		opts:    opts,
		log:     opts.Logger,
		conn:    conn,
		links:   make(map[string]*link),
		welcome: make(chan struct{}),
	}
	if opts.DirectUpgrade {
		if ln, lerr := net.Listen("tcp", "127.0.0.1:0"); lerr == nil {
			h.listener = ln
			go h.acceptDirect()
		} else {
			h.log.Warn("direct listener unavailable", zap.Error(lerr))
		}
	}
	go h.readLoop()
	go h.heartbeatLoop()

	select {
	case <-h.welcome:
	case <-time.After(10 * time.Second):
		conn.Close()
		return nil, hterr.New(hterr.KindPeerUnreachable, "relay welcome timed out")
	}
	return h, nil
}

// PeerID returns the relay-assigned id.
func (h *Hybrid) PeerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerID
}

// OnReceive installs the application receiver.
func (h *Hybrid) OnReceive(r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receiver = r
}

// OnPresence installs the presence observer.
func (h *Hybrid) OnPresence(p PresenceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = p
}

// RTT reports the last measured round-trip to a peer, zero if unknown.
func (h *Hybrid) RTT(peerID string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.links[peerID]; ok {
		return l.rtt
	}
	return 0
}

// IsDirect reports whether a direct channel is active for the peer.
func (h *Hybrid) IsDirect(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[peerID]
	return ok && l.direct != nil
}

// Send delivers application bytes to one peer over the best channel.
func (h *Hybrid) Send(peerID string, data []byte) error {
	h.mu.Lock()
	l := h.links[peerID]
	var direct net.Conn
	if l != nil {
		direct = l.direct
	}
	h.mu.Unlock()

	if direct != nil {
		if err := writeDirect(direct, payload{Kind: kindData, Data: data}); err == nil {
			return nil
		}
		// direct channel broke; fall back to the relay
		h.dropDirect(peerID)
	}
	return h.sendRelayed(peerID, payload{Kind: kindData, Data: data})
}

// Broadcast sends to every known peer via the relay.
func (h *Hybrid) Broadcast(data []byte) error {
	p := payload{Kind: kindData, Data: data}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return h.writeFrame(relay.Frame{Type: "app", Payload: raw})
}

// Upgrade proposes a direct channel to the peer.
func (h *Hybrid) Upgrade(peerID string) error {
	if h.listener == nil {
		return hterr.New(hterr.KindPeerUnreachable, "direct upgrade disabled")
	}
	return h.sendRelayed(peerID, payload{Kind: kindDirectOffer, Addr: h.listener.Addr().String()})
}

// Close tears down every channel.
func (h *Hybrid) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	links := h.links
	h.links = make(map[string]*link)
	h.mu.Unlock()

	for _, l := range links {
		if l.direct != nil {
			l.direct.Close()
		}
	}
	if h.listener != nil {
		h.listener.Close()
	}
	h.conn.Close()
}

func (h *Hybrid) sendRelayed(peerID string, p payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return h.writeFrame(relay.Frame{Type: "app", TargetPeerID: peerID, Payload: raw})
}

func (h *Hybrid) writeFrame(f relay.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return hterr.Wrap(hterr.KindPeerUnreachable, "relay write", err)
	}
	return nil
}

func (h *Hybrid) readLoop() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		h.handleFrame(f)
	}
}

func (h *Hybrid) handleFrame(f relay.Frame) {
	switch f.Type {
	case "welcome":
		h.mu.Lock()
		h.peerID = f.PeerID
		h.mu.Unlock()
		close(h.welcome)
	case "peers":
		h.mu.Lock()
		for _, id := range f.Peers {
			if _, ok := h.links[id]; !ok {
				h.links[id] = &link{}
			}
		}
		h.mu.Unlock()
	case "peer:joined":
		h.mu.Lock()
		h.links[f.PeerID] = &link{}
		presence := h.presence
		h.mu.Unlock()
		if presence != nil {
			presence(f.PeerID, true)
		}
	case "peer:left":
		h.dropDirect(f.PeerID)
		h.mu.Lock()
		delete(h.links, f.PeerID)
		presence := h.presence
		h.mu.Unlock()
		if presence != nil {
			presence(f.PeerID, false)
		}
	case "app":
		var p payload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		h.handlePayload(f.PeerID, p)
	}
}

func (h *Hybrid) handlePayload(fromPeer string, p payload) {
	switch p.Kind {
	case kindData:
		h.deliver(fromPeer, p.Data)
	case kindPing:
		_ = h.sendRelayed(fromPeer, payload{Kind: kindPong, Nanos: p.Nanos})
	case kindPong:
		rtt := time.Duration(time.Now().UnixNano() - p.Nanos)
		h.mu.Lock()
		if l, ok := h.links[fromPeer]; ok {
			l.rtt = rtt
		}
		h.mu.Unlock()
	case kindDirectOffer:
		h.dialDirect(fromPeer, p.Addr)
	case kindDirectOK:
		// answer is informational; the TCP handshake already attached
	}
}

func (h *Hybrid) deliver(fromPeer string, data []byte) {
	h.mu.Lock()
	receiver := h.receiver
	h.mu.Unlock()
	if receiver != nil {
		receiver(fromPeer, data)
	}
}

// dialDirect attempts the offered address; failure leaves the relayed
// channel in place.
func (h *Hybrid) dialDirect(peerID, addr string) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		h.log.Debug("direct upgrade failed, staying relayed",
			zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	fmt.Fprintf(conn, "HYPR:%s\n", h.PeerID())

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() || !strings.HasPrefix(scanner.Text(), "HYPR:") {
		conn.Close()
		return
	}

	h.attachDirect(peerID, conn)
	_ = h.sendRelayed(peerID, payload{Kind: kindDirectOK})
	go h.readDirect(peerID, conn, scanner)
}

func (h *Hybrid) acceptDirect() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			scanner := bufio.NewScanner(conn)
			if !scanner.Scan() {
				conn.Close()
				return
			}
			handshake := strings.TrimSpace(scanner.Text())
			parts := strings.SplitN(handshake, ":", 2)
			if len(parts) != 2 || parts[0] != "HYPR" {
				conn.Close()
				return
			}
			remoteID := parts[1]
			fmt.Fprintf(conn, "HYPR:%s\n", h.PeerID())
			h.attachDirect(remoteID, conn)
			h.readDirect(remoteID, conn, scanner)
		}(conn)
	}
}

func (h *Hybrid) attachDirect(peerID string, conn net.Conn) {
	h.mu.Lock()
	l, ok := h.links[peerID]
	if !ok {
		l = &link{}
		h.links[peerID] = l
	}
	if l.direct != nil {
		l.direct.Close()
	}
	l.direct = conn
	h.mu.Unlock()
	h.log.Info("direct channel established", zap.String("peer_id", peerID))
}

func (h *Hybrid) dropDirect(peerID string) {
	h.mu.Lock()
	l, ok := h.links[peerID]
	var conn net.Conn
	if ok && l.direct != nil {
		conn = l.direct
		l.direct = nil
	}
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (h *Hybrid) readDirect(peerID string, conn net.Conn, scanner *bufio.Scanner) {
	defer h.dropDirect(peerID)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var p payload
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			continue
		}
		if p.Kind == kindData {
			h.deliver(peerID, p.Data)
		}
	}
}

func writeDirect(conn net.Conn, p payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(conn, "%s\n", data)
	return err
}

func (h *Hybrid) heartbeatLoop() {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		peers := make([]string, 0, len(h.links))
		for id := range h.links {
			peers = append(peers, id)
		}
		h.mu.Unlock()
		for _, id := range peers {
			_ = h.sendRelayed(id, payload{Kind: kindPing, Nanos: time.Now().UnixNano()})
		}
	}
}

// Peers returns the ids currently known via presence.
func (h *Hybrid) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.links))
	for id := range h.links {
		out = append(out, id)
	}
	return out
}
