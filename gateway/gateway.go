// gateway.go - gateway client state machine.
// Copyright (C) 2018  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package gateway implements the TCP-upgraded WebSocket session
// a mix client maintains with a single gateway. It authenticates, claims
// bandwidth, encrypts and forwards Sphinx packets and reconnects on drop.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/op/go-logging"
	"go.uber.org/atomic"

	"github.com/nymtech/nym-sub004/constants"
	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

var log = logging.MustGetLogger("gateway")

// State is one of the gateway client's connection states.
type State uint8

const (
	NotConnected State = iota
	Connected
	Authenticated
	Listening
	// partiallyDelegated names the read-half delegation sub-state. No
	// transition in this package enters it: StartListeningForMixnetMessages
	// moves straight from Authenticated to Listening, because readLoop keeps
	// ownership of every read.
	partiallyDelegated
	// invalid is a sentinel held only for the duration of a dial in
	// EstablishConnection; State() called mid-dial reports it.
	invalid
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connected:
		return "Connected"
	case Authenticated:
		return "Authenticated"
	case Listening:
		return "Listening"
	case partiallyDelegated:
		return "PartiallyDelegated"
	default:
		return "Invalid"
	}
}

// PacketRouter is the black-box collaborator that receives decrypted inbound
// Sphinx packets pushed by the gateway. Routing them onward (ACK processing,
// fragment reassembly, replay validation) is out of this component's scope.
type PacketRouter interface {
	RouteFromGateway(packet []byte)
}

// Config bundles the gateway client's static tunables.
type Config struct {
	CurrentProtocolVersion uint8
	ControlResponseTimeout time.Duration
	HandshakeTimeout       time.Duration
	ReconnectionEnabled    bool
	ReconnectAttempts      int
	ReconnectBackoff       time.Duration
}

// DefaultConfig returns the tunables a mix client ships with out of the box.
func DefaultConfig() Config {
	return Config{
		CurrentProtocolVersion: constants.CurrentClientProtocolVersion,
		ControlResponseTimeout: constants.DefaultControlResponseTimeout,
		HandshakeTimeout:       constants.DefaultHandshakeTimeout,
		ReconnectionEnabled:    true,
		ReconnectAttempts:      constants.DefaultReconnectAttempts,
		ReconnectBackoff:       constants.DefaultReconnectBackoff,
	}
}

// Client is the gateway client state machine. A single instance owns at most
// one underlying websocket connection at a time.
//
// gorilla/websocket permits exactly one concurrent reader per connection, so
// the read half is owned by a single goroutine (readLoop) for the lifetime of
// each connection: it delivers text control frames on controlCh and routes
// binary frames straight to the PacketRouter. The Listening/Authenticated
// states gate which of the client's own surfaces may consume control
// responses; RecoverSocketConnection is the state transition that reclaims
// that right before a fresh control request.
type Client struct {
	cfg Config

	identity   types.Recipient
	gatewayURL string
	dialer     *websocket.Dialer

	router              PacketRouter
	bandwidthController BandwidthController

	metrics *Metrics

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	controlCh chan *controlResponse
	readDone  chan struct{}

	// controlMu serializes whole control-plane request/response exchanges
	// that wait outside c.mu (the bandwidth claims); it is the only lock
	// held across a control-response wait. c.mu itself is never held longer
	// than the handshake timeout.
	controlMu sync.Mutex

	writeMu sync.Mutex

	keyMu     sync.RWMutex
	sharedKey []byte

	bandwidthRemaining atomic.Int64
	reconnectCount     atomic.Int64
}

// New builds a Client addressing gatewayURL ("ws://..." or "wss://...") on
// behalf of identity. router receives decrypted pushed packets; it is wired
// from the first frame after connection, though callers are expected to
// advance to Listening before relying on pushed traffic.
func New(cfg Config, identity types.Recipient, gatewayURL string, router PacketRouter) *Client {
	return &Client{
		cfg:        cfg,
		identity:   identity,
		gatewayURL: gatewayURL,
		dialer:     websocket.DefaultDialer,
		router:     router,
		state:      NotConnected,
	}
}

// SetBandwidthController installs the collaborator used to claim coconut
// bandwidth credentials. Omit it (leave nil) for disabled-credentials mode.
func (c *Client) SetBandwidthController(bc BandwidthController) {
	c.mu.Lock()
	c.bandwidthController = bc
	c.mu.Unlock()
}

// SetMetrics attaches optional prometheus instrumentation. A nil *Metrics
// (the default) is always safe.
func (c *Client) SetMetrics(m *Metrics) { c.metrics = m }

// State reports the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BandwidthRemaining reports the last bandwidth figure the gateway reported.
func (c *Client) BandwidthRemaining() int64 { return c.bandwidthRemaining.Load() }

// SetSharedKey seeds a shared key derived by a previous Register call (e.g.
// one persisted across process restarts), letting a caller skip straight to
// Authenticate instead of repeating the handshake Register performs.
func (c *Client) SetSharedKey(key []byte) {
	c.keyMu.Lock()
	c.sharedKey = key
	c.keyMu.Unlock()
}

func (c *Client) getSharedKey() []byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.sharedKey
}

// HasSharedKey reports whether a shared key has been derived or seeded yet,
// i.e. whether Authenticate can be used instead of Register.
func (c *Client) HasSharedKey() bool {
	return len(c.getSharedKey()) > 0
}

// EstablishConnection dials the gateway's websocket endpoint, transitioning
// NotConnected -> Connected and starting the connection's read goroutine.
// Any other starting state is a caller error.
func (c *Client) EstablishConnection(ctx context.Context) error {
	c.mu.Lock()
	if c.state != NotConnected {
		c.mu.Unlock()
		return xerrors.ErrConnectionInInvalidState
	}
	// Mark the state invalid for the duration of the dial so a concurrent
	// caller sees neither the stale NotConnected nor a premature Connected,
	// without holding the lock across a slow network round trip.
	c.state = invalid
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.gatewayURL, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = NotConnected
		return fmt.Errorf("%w: %s", xerrors.ErrNetworkError, err)
	}
	c.conn = conn
	c.controlCh = make(chan *controlResponse, 8)
	c.readDone = make(chan struct{})
	go c.readLoop(conn, c.controlCh, c.readDone)
	c.state = Connected
	log.Debugf("gateway: established connection to %s", c.gatewayURL)
	return nil
}

// readLoop is the sole reader of conn for its whole lifetime. Text frames
// are parsed as control responses and delivered on controlCh; binary frames
// are decrypted (when a shared key exists) and handed to the PacketRouter,
// so pushed packets are never lost while a control response is pending.
// It exits when the connection dies or is closed, closing controlCh so
// blocked control-response waiters observe ConnectionClosed.
func (c *Client) readLoop(conn *websocket.Conn, controlCh chan *controlResponse, done chan struct{}) {
	defer close(done)
	defer close(controlCh)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("gateway: read loop exiting: %s", err)
			return
		}
		switch mt {
		case websocket.TextMessage:
			resp, perr := parseControlResponse(data)
			if perr != nil {
				log.Warningf("gateway: dropping malformed control frame: %s", perr)
				continue
			}
			select {
			case controlCh <- resp:
			default:
				log.Warningf("gateway: dropping unconsumed %s control frame", resp.Type)
			}
		case websocket.BinaryMessage:
			c.handleBinaryFrame(data)
		}
	}
}

// Disconnect tears down the connection from any state and returns to
// NotConnected. The shared key survives: it was derived by registration,
// not by the connection, and is what Authenticate reuses on the next dial.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.readDone != nil {
		<-c.readDone
		c.readDone = nil
	}
	c.controlCh = nil
	c.state = NotConnected
}

// requireConn returns the current connection or ConnectionNotEstablished.
func (c *Client) requireConn() (*websocket.Conn, error) {
	if c.conn == nil {
		return nil, xerrors.ErrConnectionNotEstablished
	}
	return c.conn, nil
}

// writeJSON serializes v as a text control frame, guarded against racing
// with concurrent binary sends (gorilla/websocket permits one concurrent
// reader and one concurrent writer, never two concurrent writers).
func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) writeBinary(conn *websocket.Conn, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// readControlResponse waits at most timeout for the next control response
// from the read loop. ch is the controlCh snapshot the caller took under
// c.mu; waiting on the snapshot rather than the live field means a
// disconnect during the wait surfaces as ConnectionClosed (the read loop
// closes its channel on exit) instead of racing the field swap.
func (c *Client) readControlResponse(ch chan *controlResponse, timeout time.Duration) (*controlResponse, error) {
	if ch == nil {
		return nil, xerrors.ErrConnectionNotEstablished
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, xerrors.ErrConnectionClosed
		}
		return resp, nil
	case <-timer.C:
		return nil, xerrors.ErrTimeout
	}
}

// handleBinaryFrame decrypts (if a shared key is present) and routes an
// inbound binary frame: decryption is attempted first, with raw routing as
// the fallback when it fails, since a pushed frame sealed under the shared
// key and a raw forwarded frame arrive on the same message type.
func (c *Client) handleBinaryFrame(data []byte) {
	if c.router == nil {
		return
	}
	if key := c.getSharedKey(); len(key) > 0 {
		if plain, err := decryptAndVerify(key, data); err == nil {
			c.router.RouteFromGateway(plain)
			return
		}
	}
	c.router.RouteFromGateway(data)
}
