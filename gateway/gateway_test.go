package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type fakeRouter struct {
	received chan []byte
}

func newFakeRouter() *fakeRouter { return &fakeRouter{received: make(chan []byte, 8)} }

func (r *fakeRouter) RouteFromGateway(packet []byte) { r.received <- packet }

// newTestGateway spins up an in-process websocket server which upgrades every
// connection and hands it to handler, which scripts the server side of the
// exchange (handshake included) for the individual test.
func newTestGateway(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// defaultServerHandshake answers a Register request the way a gateway that
// has never seen this identity before would: one exchange, deriving and
// handing back a fresh shared key, taking the client straight to
// Authenticated.
func defaultServerHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	var regReq controlRequest
	require.NoError(t, conn.ReadJSON(&regReq))
	require.Equal(t, requestRegisterHandshakeInit, regReq.Type)
	require.NoError(t, conn.WriteJSON(controlResponse{Type: responseRegister, Status: true, Data: []byte("sharedkey")}))
}

// defaultServerAuthenticate answers an Authenticate request the way a
// gateway that already shares a key with this identity would: the client
// reuses that key rather than repeating Register.
func defaultServerAuthenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	var req controlRequest
	require.NoError(t, conn.ReadJSON(&req))
	require.Equal(t, requestAuthenticate, req.Type)
	require.NoError(t, conn.WriteJSON(controlResponse{Type: responseAuthenticate, Status: true}))
}

func testIdentity() types.Recipient {
	var r types.Recipient
	return r
}

func TestEstablishConnectionTransitionsToConnected(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	require.Equal(t, NotConnected, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.EstablishConnection(ctx))
	require.Equal(t, Connected, c.State())
}

func TestEstablishConnectionRejectsWrongState(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {})
	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)

	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.ErrorIs(t, c.EstablishConnection(ctx), xerrors.ErrConnectionInInvalidState)
}

func TestRegisterReachesAuthenticated(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, []byte("hello")))
	require.Equal(t, Authenticated, c.State())
	require.True(t, c.HasSharedKey())
}

// Authenticate alone reaches Authenticated when a shared key from an
// earlier Register (this session's or a persisted one) is already held.
func TestAuthenticateReusesExistingSharedKey(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerAuthenticate(t, conn)
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	c.SetSharedKey([]byte("persisted-key"))
	require.NoError(t, c.Authenticate(ctx, []byte("proof")))
	require.Equal(t, Authenticated, c.State())
}

func TestAuthenticateWithoutSharedKeyReturnsError(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.ErrorIs(t, c.Authenticate(ctx, nil), xerrors.ErrNoSharedKeyAvailable)
}

func TestAuthenticateFailureReturnsError(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		var req controlRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.NoError(t, conn.WriteJSON(controlResponse{Type: responseAuthenticate, Status: false}))
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	c.SetSharedKey([]byte("persisted-key"))
	err := c.Authenticate(ctx, nil)
	require.Error(t, err)
}

func TestIncompatibleProtocolVersionRejected(t *testing.T) {
	newer := DefaultConfig().CurrentProtocolVersion + 1
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		var req controlRequest
		require.NoError(t, conn.ReadJSON(&req))
		v := newer
		require.NoError(t, conn.WriteJSON(controlResponse{Type: responseRegister, Status: true, ProtocolVersion: &v}))
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	err := c.Register(ctx, nil)
	require.Error(t, err)
}

func TestSendMixPacketRequiresAuthentication(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})
	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	require.Error(t, c.SendMixPacket([]byte("packet")))

	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.Error(t, c.SendMixPacket([]byte("packet")))
}

func TestSendMixPacketDeductsBandwidthAndDelivers(t *testing.T) {
	delivered := make(chan []byte, 1)
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		delivered <- data
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	c.bandwidthRemaining.Store(1000)

	require.NoError(t, c.SendMixPacket([]byte("packet-contents")))
	require.Equal(t, int64(1000-len("packet-contents")), c.BandwidthRemaining())

	select {
	case got := <-delivered:
		plain, err := decryptAndVerify([]byte("sharedkey"), got)
		require.NoError(t, err)
		require.Equal(t, "packet-contents", string(plain))
	case <-time.After(time.Second):
		t.Fatal("server never received packet")
	}
}

func TestSendMixPacketRejectsWhenOutOfBandwidth(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	c.bandwidthRemaining.Store(0)

	require.Error(t, c.SendMixPacket([]byte("packet")))
}

func TestStartListeningRoutesBinaryFrames(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("pushed-packet")))
		time.Sleep(100 * time.Millisecond)
	})

	router := newFakeRouter()
	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), router)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	require.NoError(t, c.StartListeningForMixnetMessages())
	require.Equal(t, Listening, c.State())

	select {
	case got := <-router.received:
		require.Equal(t, "pushed-packet", string(got))
	case <-time.After(time.Second):
		t.Fatal("router never received pushed packet")
	}

	require.NoError(t, c.RecoverSocketConnection())
	require.Equal(t, Authenticated, c.State())
}

func TestClaimFreeTestnetBandwidthUpdatesBalance(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		var req controlRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, requestClaimFreeTestnetBandwidth, req.Type)
		require.NoError(t, conn.WriteJSON(controlResponse{Type: responseBandwidth, AvailableBandwidth: 4096}))
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	require.NoError(t, c.ClaimFreeTestnetBandwidth())
	require.Equal(t, int64(4096), c.BandwidthRemaining())
}

// A claim whose response is slow to arrive must not wedge the rest of the
// client: the state machine lock is released for the duration of the
// response wait.
func TestSlowClaimDoesNotBlockClientState(t *testing.T) {
	release := make(chan struct{})
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		var req controlRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, requestClaimFreeTestnetBandwidth, req.Type)
		<-release
		require.NoError(t, conn.WriteJSON(controlResponse{Type: responseBandwidth, AvailableBandwidth: 2048}))
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))

	claimDone := make(chan error, 1)
	go func() { claimDone <- c.ClaimFreeTestnetBandwidth() }()
	// Give the claim time to write its request and enter the response wait.
	time.Sleep(50 * time.Millisecond)

	stateDone := make(chan State, 1)
	go func() { stateDone <- c.State() }()
	select {
	case st := <-stateDone:
		require.Equal(t, Authenticated, st)
	case <-time.After(time.Second):
		t.Fatal("State() blocked while a claim response was pending")
	}

	close(release)
	require.NoError(t, <-claimDone)
	require.Equal(t, int64(2048), c.BandwidthRemaining())
}

func TestDisconnectReturnsToNotConnected(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	c.Disconnect()
	require.Equal(t, NotConnected, c.State())
}

// A server-reported error control response surfaces as a GatewayError
// carrying the server's message, not as a bare unexpected-response error.
func TestRegisterSurfacesGatewayError(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		var req controlRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.NoError(t, conn.WriteJSON(controlResponse{Type: responseError, Message: "identity banned"}))
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	err := c.Register(ctx, nil)
	var gwErr *xerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, "identity banned", gwErr.Message)
}

// The shared key is derived by registration, not the connection, so a
// disconnect must not wipe it: the next dial authenticates with it instead
// of repeating the handshake.
func TestDisconnectPreservesSharedKeyForReauthentication(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	c.Disconnect()
	require.Equal(t, NotConnected, c.State())
	require.True(t, c.HasSharedKey())
}

// A batch whose total exceeds the balance is rejected before anything is
// sent, leaving the balance untouched.
func TestBatchSendMixPacketChecksTotalUpFront(t *testing.T) {
	srv := newTestGateway(t, func(conn *websocket.Conn) {
		defaultServerHandshake(t, conn)
		time.Sleep(50 * time.Millisecond)
	})

	c := New(DefaultConfig(), testIdentity(), wsURL(srv.URL), nil)
	ctx := context.Background()
	require.NoError(t, c.EstablishConnection(ctx))
	require.NoError(t, c.Register(ctx, nil))
	c.bandwidthRemaining.Store(10)

	err := c.BatchSendMixPacket([][]byte{[]byte("eight..b"), []byte("eight..b")})
	var bwErr *xerrors.NotEnoughBandwidthError
	require.ErrorAs(t, err, &bwErr)
	require.Equal(t, int64(16), bwErr.Needed)
	require.Equal(t, int64(10), c.BandwidthRemaining())
}

func TestNegotiateProtocolVersion(t *testing.T) {
	require.NoError(t, negotiateProtocolVersion(2, nil))

	older := uint8(1)
	require.NoError(t, negotiateProtocolVersion(2, &older))

	newer := uint8(3)
	require.Error(t, negotiateProtocolVersion(2, &newer))
}

func TestControlResponseJSONRoundTrip(t *testing.T) {
	resp := controlResponse{Type: responseError, Message: "boom"}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	parsed, err := parseControlResponse(data)
	require.NoError(t, err)
	require.Equal(t, resp.Type, parsed.Type)
	require.Equal(t, resp.Message, parsed.Message)
}
