// Package hypertoken is the public entry point: a replicated game session
// bundling the engine, the sync core and an optional relay transport.
package hypertoken

import (
	"context"

	"github.com/flammafex/hypertoken/internal/consensus"
	"github.com/flammafex/hypertoken/internal/engine"
	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/monitoring"
	"github.com/flammafex/hypertoken/internal/peer"
)

// Options configures a session.
type Options struct {
	// Origin identifies this replica; it must be unique in the session.
	Origin      string
	HistorySize int
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
}

// Session is one replica of a shared game.
type Session struct {
	eng       *engine.Engine
	core      *consensus.Core
	transport *peer.Hybrid
	log       *logging.Logger
}

// New creates a session.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	eng := engine.New(engine.Options{
		Origin:      opts.Origin,
		HistorySize: opts.HistorySize,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	return &Session{
		eng:  eng,
		core: consensus.New(eng.Chronicle(), opts.Logger, opts.Metrics),
		log:  opts.Logger,
	}
}

// Engine exposes the dispatcher.
func (s *Session) Engine() *engine.Engine { return s.eng }

// Dispatch runs one action.
func (s *Session) Dispatch(actionType string, payload map[string]any) (any, error) {
	return s.eng.Dispatch(actionType, payload)
}

// DispatchAsync runs one action through the worker path.
func (s *Session) DispatchAsync(actionType string, payload map[string]any) *engine.Task {
	return s.eng.DispatchAsync(actionType, payload)
}

// State returns the replica's current document.
func (s *Session) State() map[string]any { return s.eng.State() }

// ConnectPeer registers a manual peer link with the sync core.
func (s *Session) ConnectPeer(peerID string, sender consensus.Sender) {
	s.core.RegisterPeer(peerID, sender)
}

// DisconnectPeer forgets a manual peer link.
func (s *Session) DisconnectPeer(peerID string) {
	s.core.UnregisterPeer(peerID)
}

// HandlePeerMessage feeds an inbound sync message to the core.
func (s *Session) HandlePeerMessage(peerID string, data []byte) error {
	return s.core.OnRemoteMessage(peerID, data)
}

// ConnectRelay joins a relay and wires presence into the sync core, so the
// session converges with everyone in the same relay session.
func (s *Session) ConnectRelay(url string, direct bool) error {
	transport, err := peer.Dial(url, peer.HybridOptions{
		DirectUpgrade: direct,
		Logger:        s.log,
	})
	if err != nil {
		return err
	}
	s.transport = transport

	transport.OnReceive(func(peerID string, data []byte) {
		_ = s.core.OnRemoteMessage(peerID, data)
	})
	transport.OnPresence(func(peerID string, joined bool) {
		if joined {
			s.core.RegisterPeer(peerID, func(data []byte) error {
				return transport.Send(peerID, data)
			})
		} else {
			s.core.UnregisterPeer(peerID)
		}
	})
	for _, id := range transport.Peers() {
		pid := id
		s.core.RegisterPeer(pid, func(data []byte) error {
			return transport.Send(pid, data)
		})
	}
	return nil
}

// PeerID returns the relay-assigned id, if connected.
func (s *Session) PeerID() string {
	if s.transport == nil {
		return ""
	}
	return s.transport.PeerID()
}

// Snapshot serialises state plus history tail.
func (s *Session) Snapshot() ([]byte, error) { return s.eng.Snapshot() }

// Restore replaces state from a snapshot.
func (s *Session) Restore(data []byte) error { return s.eng.Restore(data) }

// Close releases the transport and engine.
func (s *Session) Close(ctx context.Context) {
	if s.transport != nil {
		s.transport.Close()
	}
	s.eng.Close()
}
