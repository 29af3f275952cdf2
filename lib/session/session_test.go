package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-hopwire/lib/kdf"
	"github.com/go-i2p/go-hopwire/lib/psk"
	"github.com/go-i2p/go-hopwire/lib/recovery"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestTrackSequenceAccounting(t *testing.T) {
	s := newSession(Config{}, 1, true)

	s.trackSequence(1)
	s.trackSequence(2)
	assert.Equal(t, uint64(2), s.peerSeq)
	assert.False(t, s.seqFault)

	// A small gap is loss, not a fault.
	s.trackSequence(5)
	assert.Equal(t, uint64(5), s.peerSeq)
	assert.Equal(t, uint64(2), s.lastKnownPeerSeq)
	assert.False(t, s.seqFault)

	// An enormous jump is a sequence fault.
	s.trackSequence(5 + seqGapFaultThreshold + 1)
	assert.True(t, s.seqFault)
}

func TestTrackSequenceDuplicateRunIsFault(t *testing.T) {
	s := newSession(Config{}, 1, true)
	s.trackSequence(10)
	for i := 0; i < dupRunFaultThreshold-1; i++ {
		s.trackSequence(10)
	}
	assert.False(t, s.seqFault)
	s.trackSequence(3)
	assert.True(t, s.seqFault)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.True(t, StateFailed.terminal())
	assert.True(t, StateTerminated.terminal())
	assert.False(t, StateRecovering.terminal())
}

func TestSendRejectedAfterClose(t *testing.T) {
	s := newSession(Config{}, 1, true)
	close(s.stop)
	assert.ErrorIs(t, s.Send([]byte("x")), ErrSessionClosed)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newSession(Config{}, 1, true)
	b := newSession(Config{}, 2, false)
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, a, r.Get(1))
	assert.Nil(t, r.Get(99))

	var seen []uint64
	r.Each(func(s *Session) { seen = append(seen, s.ID()) })
	assert.ElementsMatch(t, []uint64{1, 2}, seen)

	r.Remove(1)
	assert.Equal(t, 1, r.Len())
}

// Full loopback exchange: handshake over the contact port, then sealed data
// in both directions over the hopping schedule. Both peers derive the same
// port sequence, so the two ends listen on distinct loopback addresses to
// keep their binds from colliding on one host.
func TestSessionsExchangeDataOverLoopback(t *testing.T) {
	key := []byte("a shared sixteen+ byte test key!")
	keys, err := psk.NewStatic(key)
	require.NoError(t, err)

	contactPort := freeUDPPort(t)
	serverIP := net.IPv4(127, 0, 0, 1)
	clientIP := net.IPv4(127, 0, 0, 2)

	serverCfg := Config{
		AdvertiseIP: "127.0.0.1",
		ListenIP:    serverIP,
		ContactPort: contactPort,
	}
	serverGot := make(chan []byte, 4)
	serverSessions := make(chan *Session, 1)
	serverCfg.OnPayload = func(p []byte) { serverGot <- append([]byte(nil), p...) }

	registry := NewRegistry()
	acceptor, err := NewAcceptor(serverCfg, keys, registry, func(s *Session) { serverSessions <- s })
	require.NoError(t, err)
	acceptor.Start()
	defer acceptor.Close()
	defer registry.CloseAll()

	clientGot := make(chan []byte, 4)
	clientCfg := Config{
		AdvertiseIP: "127.0.0.2",
		ListenIP:    clientIP,
		PeerContact: &net.UDPAddr{IP: serverIP, Port: contactPort},
		PSK:         key,
		OnPayload:   func(p []byte) { clientGot <- append([]byte(nil), p...) },
	}
	client, err := NewInitiator(clientCfg)
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Close()

	require.Eventually(t, func() bool {
		return client.State() == StateEstablished
	}, 5*time.Second, 20*time.Millisecond, "handshake did not complete")

	var server *Session
	select {
	case server = <-serverSessions:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor produced no session")
	}
	assert.Equal(t, client.ID(), server.ID())
	assert.Equal(t, StateEstablished, server.State())

	require.NoError(t, client.Send([]byte("ping over hops")))
	select {
	case got := <-serverGot:
		assert.Equal(t, []byte("ping over hops"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received client payload")
	}

	require.NoError(t, server.Send([]byte("pong over hops")))
	select {
	case got := <-clientGot:
		assert.Equal(t, []byte("pong over hops"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("client never received server payload")
	}
}

// A peer that falls silent past the heartbeat timeout is a drift condition:
// the session must enter RECOVERING with the ladder at its first level.
func TestSilentPeerEntersTimeSyncRecovery(t *testing.T) {
	cfg := Config{
		AdvertiseIP:      "127.0.0.1",
		ListenIP:         net.IPv4(127, 0, 0, 1),
		HeartbeatTimeout: 100 * time.Millisecond,
	}
	s := newSession(cfg, 77, true)
	defer s.binder.Close()
	s.peerIP = net.IPv4(127, 0, 0, 1)
	s.localEndpoint = "127.0.0.1:40001"
	s.peerEndpoint = "127.0.0.1:40002"

	material, err := kdf.Derive(make([]byte, kdf.SecretLen), kdf.ContextHandshake)
	require.NoError(t, err)

	s.mu.Lock()
	err = s.establish(material)
	s.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, StateEstablished, s.State())

	// No heartbeat for well past the timeout.
	s.mu.Lock()
	now := s.clock.ElapsedMillis()
	s.lastHeartbeatRaw = now - 250
	s.maybeRecover(now)
	state := s.state
	s.mu.Unlock()

	assert.Equal(t, StateRecovering, state)
	assert.Equal(t, recovery.LevelTimeSync, s.RecoveryLevel())
}

func TestInitiatorFailsWithoutResponder(t *testing.T) {
	clientCfg := Config{
		AdvertiseIP: "127.0.0.1",
		ListenIP:    net.IPv4(127, 0, 0, 1),
		PeerContact: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: freeUDPPort(t)},
	}
	client, err := NewInitiator(clientCfg)
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Close()

	// Three 3s attempts against a dead port must end in FAILED.
	require.Eventually(t, func() bool {
		return client.State() == StateFailed
	}, 15*time.Second, 100*time.Millisecond)
}

func TestAcceptorRequiresContactPort(t *testing.T) {
	_, err := NewAcceptor(Config{}, nil, NewRegistry(), nil)
	assert.Error(t, err)
}

func TestInitiatorRequiresPeerContact(t *testing.T) {
	_, err := NewInitiator(Config{})
	assert.Error(t, err)
}
