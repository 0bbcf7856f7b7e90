package peer

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flammafex/hypertoken/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	s := relay.NewServer(relay.Options{RateLimit: 10000, RateWindow: time.Second})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() { s.Close(); ts.Close() })
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelayedSend(t *testing.T) {
	url := startRelay(t)
	a, err := Dial(url, HybridOptions{})
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(url, HybridOptions{})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan []byte, 1)
	b.OnReceive(func(peerID string, data []byte) {
		assert.Equal(t, a.PeerID(), peerID)
		got <- data
	})

	waitFor(t, func() bool { return len(a.Peers()) == 1 }, "presence")
	require.NoError(t, a.Send(b.PeerID(), []byte("hello")))

	select {
	case data := <-got:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPresenceCallbacks(t *testing.T) {
	url := startRelay(t)
	a, err := Dial(url, HybridOptions{})
	require.NoError(t, err)
	defer a.Close()

	joins := make(chan string, 1)
	leaves := make(chan string, 1)
	a.OnPresence(func(peerID string, joined bool) {
		if joined {
			joins <- peerID
		} else {
			leaves <- peerID
		}
	})

	b, err := Dial(url, HybridOptions{})
	require.NoError(t, err)

	select {
	case id := <-joins:
		assert.Equal(t, b.PeerID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("join not observed")
	}

	b.Close()
	select {
	case id := <-leaves:
		assert.Equal(t, b.PeerID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("leave not observed")
	}
}

func TestHeartbeatMeasuresRTT(t *testing.T) {
	url := startRelay(t)
	a, err := Dial(url, HybridOptions{HeartbeatInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(url, HybridOptions{HeartbeatInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer b.Close()

	waitFor(t, func() bool { return a.RTT(b.PeerID()) > 0 }, "rtt sample")
	assert.Greater(t, a.RTT(b.PeerID()), time.Duration(0))
}

func TestDirectUpgrade(t *testing.T) {
	url := startRelay(t)
	a, err := Dial(url, HybridOptions{DirectUpgrade: true})
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(url, HybridOptions{DirectUpgrade: true})
	require.NoError(t, err)
	defer b.Close()

	waitFor(t, func() bool { return len(a.Peers()) == 1 }, "presence")

	got := make(chan []byte, 1)
	a.OnReceive(func(peerID string, data []byte) { got <- data })

	require.NoError(t, a.Upgrade(b.PeerID()))
	waitFor(t, func() bool { return b.IsDirect(a.PeerID()) }, "direct channel")

	require.NoError(t, b.Send(a.PeerID(), []byte("direct")))
	select {
	case data := <-got:
		assert.Equal(t, []byte("direct"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("direct message not delivered")
	}
}

func TestUpgradeDisabledFails(t *testing.T) {
	url := startRelay(t)
	a, err := Dial(url, HybridOptions{})
	require.NoError(t, err)
	defer a.Close()

	err = a.Upgrade("whoever")
	require.Error(t, err)
}
