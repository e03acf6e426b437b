// bandwidth.go - bandwidth accounting and credential claiming.
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
	"github.com/gorilla/websocket"

	"github.com/nymtech/nym-sub004/constants"
	"github.com/nymtech/nym-sub004/xerrors"
)

// BandwidthController mints coconut bandwidth credentials. It is a
// black-box collaborator; this package only knows how to present a claim to
// the gateway, record the balance it reports back, and then tell the
// controller the credential it handed over has actually been spent.
type BandwidthController interface {
	// ObtainCredential produces an opaque credential blob proving the
	// right to some quantity of bandwidth.
	ObtainCredential() ([]byte, error)

	// NotifyCredentialConsumed is called once the gateway has confirmed the
	// claim succeeded, so the controller can mark the credential spent in
	// its own storage and never present it again.
	NotifyCredentialConsumed(credential []byte) error
}

// ClaimFreeTestnetBandwidth asks the gateway to grant the client's
// identity a free allotment, the no-credential-controller path available on
// testnets.
func (c *Client) ClaimFreeTestnetBandwidth() error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	conn, ch, err := c.beginClaim()
	if err != nil {
		return err
	}

	req := controlRequest{
		Type:     requestClaimFreeTestnetBandwidth,
		Identity: c.identity.String(),
	}
	if err := c.writeJSON(conn, req); err != nil {
		return c.networkErr(err)
	}
	return c.readBandwidthResponse(ch)
}

// beginClaim validates the state a bandwidth claim may be issued from and
// snapshots the connection and control channel. c.mu is held only for the
// snapshot, never across the (up to ControlResponseTimeout long) response
// wait: sends, state reads and Disconnect all stay responsive while a slow
// claim is in flight.
//
// Listening is deliberately excluded: the control-response stream is
// delegated while Listening, so a control request issued there could have
// its answer silently consumed away. Callers must RecoverSocketConnection
// first.
func (c *Client) beginClaim() (*websocket.Conn, chan *controlResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Authenticated {
		return nil, nil, xerrors.ErrNotAuthenticated
	}
	conn, err := c.requireConn()
	if err != nil {
		return nil, nil, err
	}
	return conn, c.controlCh, nil
}

// ClaimBandwidthCredential presents a coconut credential obtained from the
// configured BandwidthController. It requires the gateway to have announced
// at least constants.CredentialUpdateV1 support; older gateways fail with
// OutdatedGatewayCredentialVersionError.
func (c *Client) ClaimBandwidthCredential(gatewayCredentialVersion uint8) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	if gatewayCredentialVersion < constants.CredentialUpdateV1 {
		return &xerrors.OutdatedGatewayCredentialVersionError{Negotiated: gatewayCredentialVersion}
	}

	c.mu.Lock()
	bc := c.bandwidthController
	c.mu.Unlock()
	if bc == nil {
		return xerrors.ErrNoBandwidthControllerAvailable
	}

	// The credential fetch can itself be slow (it may hit the credential
	// issuer); like the response wait below it runs outside c.mu.
	credential, err := bc.ObtainCredential()
	if err != nil {
		return err
	}

	conn, ch, err := c.beginClaim()
	if err != nil {
		return err
	}
	req := controlRequest{
		Type:       requestClaimBandwidthCredential,
		Identity:   c.identity.String(),
		Credential: credential,
	}
	if err := c.writeJSON(conn, req); err != nil {
		return c.networkErr(err)
	}
	if err := c.readBandwidthResponse(ch); err != nil {
		return err
	}
	return bc.NotifyCredentialConsumed(credential)
}

// readBandwidthResponse waits for the gateway's answer to a claim and
// commits the reported balance. The balance and metrics are atomics, so the
// commit needs no lock.
func (c *Client) readBandwidthResponse(ch chan *controlResponse) error {
	resp, err := c.readControlResponse(ch, c.cfg.ControlResponseTimeout)
	if err != nil {
		return err
	}
	switch resp.Type {
	case responseBandwidth:
		c.bandwidthRemaining.Store(resp.AvailableBandwidth)
		c.metrics.setBandwidthRemaining(float64(resp.AvailableBandwidth))
		return nil
	case responseError:
		return &xerrors.GatewayError{Message: resp.Message}
	default:
		return xerrors.ErrUnexpectedResponse
	}
}
