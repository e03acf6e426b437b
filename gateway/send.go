// send.go - mix packet transmission, listening and reconnection.
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

package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nymtech/nym-sub004/xerrors"
)

// StartListeningForMixnetMessages hands the inbound message stream over to
// the PacketRouter, transitioning Authenticated -> Listening. The
// connection's read goroutine already routes pushed binary frames; what this
// transition delegates is the right to consume control responses, which the
// client gives up until RecoverSocketConnection reclaims it.
func (c *Client) StartListeningForMixnetMessages() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Authenticated {
		return xerrors.ErrConnectionInInvalidState
	}
	if _, err := c.requireConn(); err != nil {
		return err
	}
	c.state = Listening
	return nil
}

// RecoverSocketConnection reclaims the control-response stream from the
// listening delegation so a fresh control request can be issued:
// Listening -> Authenticated. Control responses that arrived while Listening
// and were never consumed are discarded so a stale frame cannot be mistaken
// for the answer to the next request.
func (c *Client) RecoverSocketConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Listening {
		return xerrors.ErrConnectionInInvalidState
	}
	if c.controlCh != nil {
	drain:
		for {
			select {
			case _, ok := <-c.controlCh:
				if !ok {
					break drain
				}
			default:
				break drain
			}
		}
	}
	c.state = Authenticated
	return nil
}

// SendMixPacket forwards one already-Sphinx-encoded packet to the gateway.
// It requires Authenticated (or Listening, since writes and the read loop
// proceed concurrently) and a sufficient bandwidth balance.
func (c *Client) SendMixPacket(packet []byte) error {
	return c.sendWithReconnect(packet)
}

// BatchSendMixPacket forwards several packets back to back, preserving
// caller order. The bandwidth check is against the sum of the whole
// batch up front rather than packet-by-packet: a batch that can't
// fit in its entirety is rejected before anything is sent, instead of being
// sent partway and left inconsistent.
func (c *Client) BatchSendMixPacket(packets [][]byte) error {
	var total int64
	for _, p := range packets {
		total += int64(len(p))
	}
	c.mu.Lock()
	state := c.state
	bw := c.bandwidthRemaining.Load()
	c.mu.Unlock()
	if state != Authenticated && state != Listening {
		if state == NotConnected {
			return xerrors.ErrConnectionNotEstablished
		}
		return xerrors.ErrNotAuthenticated
	}
	if total > bw {
		return &xerrors.NotEnoughBandwidthError{Needed: total, Have: bw}
	}

	for _, p := range packets {
		if err := c.sendWithReconnect(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendWithReconnect(packet []byte) error {
	err := c.sendOnce(packet)
	if err == nil {
		return nil
	}
	if !c.cfg.ReconnectionEnabled || !isRetryable(err) {
		return err
	}
	return c.reconnectAndResend(packet)
}

func isRetryable(err error) bool {
	switch err {
	case xerrors.ErrConnectionClosed, xerrors.ErrNetworkError:
		return true
	default:
		return false
	}
}

func (c *Client) sendOnce(packet []byte) error {
	c.mu.Lock()
	state := c.state
	bw := c.bandwidthRemaining.Load()
	conn := c.conn
	c.mu.Unlock()

	if state != Authenticated && state != Listening {
		if state == NotConnected {
			return xerrors.ErrConnectionNotEstablished
		}
		return xerrors.ErrNotAuthenticated
	}
	if conn == nil {
		return xerrors.ErrConnectionNotEstablished
	}
	if needed := int64(len(packet)); needed > bw {
		return &xerrors.NotEnoughBandwidthError{Needed: needed, Have: bw}
	}

	wire := packet
	if key := c.getSharedKey(); len(key) > 0 {
		sealed, err := encryptAndSeal(key, packet)
		if err != nil {
			return err
		}
		wire = sealed
	}
	if err := c.writeBinary(conn, wire); err != nil {
		return xerrors.ErrNetworkError
	}
	c.bandwidthRemaining.Sub(int64(len(packet)))
	c.metrics.incPacketsSent()
	return nil
}

// reconnectAndResend retries up to cfg.ReconnectAttempts times with a fixed
// backoff: redial, re-authenticate with the
// shared key held from registration, restore the Listening delegation if it
// was active, then re-send packet. Without a shared key there is nothing to
// re-authenticate with and the caller must Register from scratch.
func (c *Client) reconnectAndResend(packet []byte) error {
	c.mu.Lock()
	wasListening := c.state == Listening
	c.mu.Unlock()
	if !c.HasSharedKey() {
		return xerrors.ErrNotAuthenticated
	}

	var lastErr error = xerrors.ErrConnectionClosed
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		c.reconnectCount.Inc()
		c.metrics.incReconnects()
		time.Sleep(c.cfg.ReconnectBackoff)

		c.mu.Lock()
		c.disconnectLocked()
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.EstablishConnection(ctx)
		if err == nil {
			err = c.Authenticate(ctx, nil)
		}
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if wasListening {
			if err := c.StartListeningForMixnetMessages(); err != nil {
				lastErr = err
				continue
			}
		}
		return c.sendOnce(packet)
	}
	return lastErr
}

// SendPingMessage sends an RFC 6455 ping frame with an empty payload, used
// by keepalive callers to detect a dead connection before the next real send.
func (c *Client) SendPingMessage() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return xerrors.ErrConnectionNotEstablished
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.PingMessage, nil)
}
