// Package relay is the signaling and broadcast server: it assigns opaque
// peer ids, announces presence, and routes frames among peers without
// interpreting them.
package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/monitoring"
)

// CloseRateLimit is the close code sent when a connection exceeds the
// message cap.
const CloseRateLimit = 4008

// Frame is the wire envelope. Reserved types (welcome, peers, peer:joined,
// peer:left) are emitted by the server; everything else routes untouched —
// including webrtc-offer/answer/ice-candidate signaling payloads.
type Frame struct {
	Type         string          `json:"type"`
	PeerID       string          `json:"peerId,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ClientCount  int             `json:"clientCount,omitempty"`
	Peers        []string        `json:"peers,omitempty"`
}

// Options configures the relay.
type Options struct {
	// RateLimit caps messages per connection inside RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// HeartbeatInterval paces pings; a connection missing pongs for
	// 2*HeartbeatInterval is closed.
	HeartbeatInterval time.Duration
	MaxConnections    int
	Logger            *logging.Logger
	Metrics           *monitoring.Metrics
	// MetricsRegistry, when set, mounts /metrics.
	MetricsRegistry *prometheus.Registry
}

type client struct {
	peerID string
	conn   *websocket.Conn
	// messageType latches the codec mode (text or binary) from the first
	// inbound frame; all outbound frames to this client reuse it.
	messageType int
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

// Server is the relay.
type Server struct {
	opts    Options
	log     *logging.Logger
	metrics *monitoring.Metrics
	limiter *rateLimiter
	started time.Time

	mu      sync.RWMutex
	clients map[string]*client
	stop    chan struct{}
}

// NewServer builds a relay with defaults filled in.
func NewServer(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		limiter: newRateLimiter(opts.RateLimit, opts.RateWindow),
		started: time.Now(),
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go s.limiter.sweepLoop(opts.RateWindow*10, s.stop)
	return s
}

// Handler mounts the websocket endpoint plus the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if s.opts.MetricsRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Close disconnects every client and stops background loops.
func (s *Server) Close() {
	close(s.stop)
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ClientCount returns the number of connected peers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newPeerID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		h := sha256.Sum256([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
		copy(buf[:], h[:16])
	}
	return hex.EncodeToString(buf[:])
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ClientCount() >= s.opts.MaxConnections {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		peerID:      newPeerID(),
		conn:        conn,
		messageType: websocket.TextMessage,
		send:        make(chan []byte, 64),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	existing := make([]string, 0, len(s.clients))
	for id := range s.clients {
		existing = append(existing, id)
	}
	s.clients[c.peerID] = c
	count := len(s.clients)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveConnections.Set(float64(count))
	}
	s.log.Info("peer connected", zap.String("peer_id", c.peerID), zap.Int("clients", count))

	go s.writeLoop(c)
	s.sendFrame(c, Frame{Type: "welcome", PeerID: c.peerID, ClientCount: count})
	s.sendFrame(c, Frame{Type: "peers", Peers: existing})
	s.broadcastFrame(c.peerID, Frame{Type: "peer:joined", PeerID: c.peerID})

	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.dropClient(c, "")

	wait := 2 * s.opts.HeartbeatInterval
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	first := true
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
		if first {
			// the first inbound frame fixes the codec mode for all
			// outbound frames to this client
			c.messageType = messageType
			first = false
		}

		if !s.limiter.allow(c.peerID) {
			if s.metrics != nil {
				s.metrics.RateLimitCloses.Inc()
			}
			s.log.Warn("rate limit exceeded", zap.String("peer_id", c.peerID))
			msg := websocket.FormatCloseMessage(CloseRateLimit, "RateLimit")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.dropClient(c, "rate limit")
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Debug("undecodable frame", zap.String("peer_id", c.peerID), zap.Error(err))
			continue
		}
		frame.PeerID = c.peerID
		s.route(c, frame)
	}
}

// route delivers one inbound frame: targeted frames unicast, everything
// else broadcasts to all other peers.
func (s *Server) route(from *client, frame Frame) {
	if frame.TargetPeerID != "" {
		s.mu.RLock()
		target, ok := s.clients[frame.TargetPeerID]
		s.mu.RUnlock()
		if ok {
			s.sendFrame(target, frame)
		}
		return
	}
	n := s.broadcastFrame(from.peerID, frame)
	if s.metrics != nil {
		s.metrics.BroadcastFanout.Observe(float64(n))
	}
}

func (s *Server) broadcastFrame(excludePeerID string, frame Frame) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != excludePeerID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range targets {
		s.sendFrame(c, frame)
	}
	return len(targets)
}

func (s *Server) sendFrame(c *client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// slow consumer: drop the frame rather than block the relay
		s.log.Debug("dropping frame for slow client", zap.String("peer_id", c.peerID))
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(c.messageType, data); err != nil {
				s.dropClient(c, "write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.dropClient(c, "heartbeat lost")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) dropClient(c *client, reason string) {
	s.mu.Lock()
	_, present := s.clients[c.peerID]
	delete(s.clients, c.peerID)
	count := len(s.clients)
	s.mu.Unlock()

	c.close()
	if !present {
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveConnections.Set(float64(count))
	}
	s.log.Info("peer disconnected", zap.String("peer_id", c.peerID), zap.String("reason", reason))
	s.broadcastFrame(c.peerID, Frame{Type: "peer:left", PeerID: c.peerID})
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Protocol    string `json:"protocol"`
	RateLimit   string `json:"rateLimit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Uptime:      time.Since(s.started).String(),
		Connections: s.ClientCount(),
		Protocol:    "hypertoken-relay/1",
		RateLimit:   fmt.Sprintf("%d/%s", s.opts.RateLimit, s.opts.RateWindow),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ready": true})
}
