// handshake.go - registration, authentication and listening transitions.
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

	"github.com/nymtech/nym-sub004/xerrors"
)

// Register performs the handshake init exchange and, on success, derives
// and stores a fresh shared key from it: Connected -> Authenticated. This is
// the no-prior-key path; a client that has never talked to this
// gateway before has no shared key to reuse, so registering is itself
// sufficient to reach Authenticated, with no separate Authenticate call
// needed. handshakeData is whatever the Sphinx handshake layer produces; it
// is opaque to this component.
func (c *Client) Register(ctx context.Context, handshakeData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return xerrors.ErrConnectionInInvalidState
	}
	conn, err := c.requireConn()
	if err != nil {
		return err
	}

	req := controlRequest{
		Type:            requestRegisterHandshakeInit,
		Identity:        c.identity.String(),
		ProtocolVersion: c.cfg.CurrentProtocolVersion,
		Data:            handshakeData,
	}
	if err := c.writeJSON(conn, req); err != nil {
		return c.networkErr(err)
	}

	resp, err := c.readControlResponse(c.controlCh, c.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	if resp.Type == responseError {
		return &xerrors.GatewayError{Message: resp.Message}
	}
	if resp.Type != responseRegister {
		return xerrors.ErrUnexpectedResponse
	}
	if err := negotiateProtocolVersion(c.cfg.CurrentProtocolVersion, resp.ProtocolVersion); err != nil {
		return err
	}
	if !resp.Status {
		return &xerrors.RegistrationFailureError{Cause: xerrors.ErrAuthenticationFailure}
	}
	c.SetSharedKey(resp.Data)
	c.bandwidthRemaining.Store(resp.BandwidthRemaining)
	c.metrics.setBandwidthRemaining(float64(resp.BandwidthRemaining))
	c.state = Authenticated
	log.Debugf("gateway: registered and authenticated with %s", c.gatewayURL)
	return nil
}

// Authenticate reuses a shared key derived by an earlier Register call
// (this session's or a persisted one a caller restored via SetSharedKey) to
// reach Authenticated without repeating the handshake: Connected ->
// Authenticated. This is the prior-key path; it returns
// ErrNoSharedKeyAvailable if no shared key has been established. Like
// Register, it carries the client's protocol version and rejects a gateway
// running strictly newer.
func (c *Client) Authenticate(ctx context.Context, authData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.HasSharedKey() {
		return xerrors.ErrNoSharedKeyAvailable
	}
	if c.state != Connected {
		return xerrors.ErrConnectionInInvalidState
	}
	conn, err := c.requireConn()
	if err != nil {
		return err
	}

	req := controlRequest{
		Type:            requestAuthenticate,
		Identity:        c.identity.String(),
		ProtocolVersion: c.cfg.CurrentProtocolVersion,
		Data:            authData,
	}
	if err := c.writeJSON(conn, req); err != nil {
		return c.networkErr(err)
	}

	resp, err := c.readControlResponse(c.controlCh, c.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	if resp.Type == responseError {
		return &xerrors.GatewayError{Message: resp.Message}
	}
	if resp.Type != responseAuthenticate {
		return xerrors.ErrUnexpectedResponse
	}
	if err := negotiateProtocolVersion(c.cfg.CurrentProtocolVersion, resp.ProtocolVersion); err != nil {
		return err
	}
	if !resp.Status {
		return xerrors.ErrAuthenticationFailure
	}
	c.bandwidthRemaining.Store(resp.BandwidthRemaining)
	c.metrics.setBandwidthRemaining(float64(resp.BandwidthRemaining))
	c.state = Authenticated
	log.Debugf("gateway: authenticated with %s", c.gatewayURL)
	return nil
}

func (c *Client) networkErr(err error) error {
	if err == nil {
		return nil
	}
	return xerrors.ErrNetworkError
}
