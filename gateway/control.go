// control.go - JSON control protocol exchanged with the gateway.
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
	"encoding/json"

	"github.com/nymtech/nym-sub004/xerrors"
)

// Control messages are a tagged JSON union: one "type" discriminator field
// plus a grab-bag of optional fields, the same shape the gateway's own
// websocket handler uses for its request/response frames.

type requestType string

const (
	requestRegisterHandshakeInit     requestType = "registerHandshakeInit"
	requestAuthenticate              requestType = "authenticate"
	requestClaimFreeTestnetBandwidth requestType = "claimFreeTestnetBandwidth"
	requestClaimBandwidthCredential  requestType = "claimCredential"
)

// controlRequest is sent to the gateway as a text frame.
type controlRequest struct {
	Type requestType `json:"type"`

	// registerHandshakeInit / authenticate
	Identity        string `json:"identity,omitempty"`
	ProtocolVersion uint8  `json:"protocolVersion,omitempty"`
	Data            []byte `json:"data,omitempty"`

	// claimFreeTestnetBandwidth
	// (identity alone suffices, no extra fields)

	// claimCredential
	Credential []byte `json:"credential,omitempty"`
}

type responseType string

const (
	responseRegister          responseType = "register"
	responseAuthenticate      responseType = "authenticate"
	responseBandwidth         responseType = "bandwidth"
	responseError             responseType = "error"
	responseSupportedProtocol responseType = "supportedProtocol"
)

// controlResponse is received from the gateway as a text frame.
type controlResponse struct {
	Type responseType `json:"type"`

	// register / authenticate
	Status          bool   `json:"status,omitempty"`
	ProtocolVersion *uint8 `json:"protocolVersion,omitempty"`
	Data            []byte `json:"data,omitempty"`

	// authenticate: the bandwidth balance the gateway already has on record
	// for this identity, reported alongside the handshake result.
	BandwidthRemaining int64 `json:"bandwidthRemaining,omitempty"`

	// bandwidth
	AvailableBandwidth int64 `json:"availableBandwidth,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// supportedProtocol
	Version uint8 `json:"version,omitempty"`
}

func parseControlResponse(data []byte) (*controlResponse, error) {
	var resp controlResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, xerrors.ErrUnexpectedResponse
	}
	return &resp, nil
}

// negotiateProtocolVersion implements the version tolerance rule: a gateway
// that omits its version is assumed compatible, a gateway running strictly
// newer than current is rejected, anything else is accepted.
func negotiateProtocolVersion(current uint8, gatewayVersion *uint8) error {
	if gatewayVersion == nil {
		return nil
	}
	if *gatewayVersion > current {
		return &xerrors.IncompatibleProtocolError{Gateway: *gatewayVersion, Current: current}
	}
	return nil
}

