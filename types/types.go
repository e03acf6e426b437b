// types.go - shared identity and addressing types.
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

// Package types holds the recipient/SURB/tag identities that the codec,
// gateway client and reply controller all consume. None of these types know
// how to build a Sphinx packet; that remains the Sphinx layer's business.
package types

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/nymtech/nym-sub004/constants"
)

// Recipient-relevant key sizes. The concrete key algorithm is out of scope
// (it belongs to the Sphinx/PKI layer); only the fixed on-wire layout
// matters here, so these are opaque byte arrays of documented length.
const (
	identityKeyLength   = 32
	encryptionKeyLength = 32
	gatewayKeyLength    = 32

	// RecipientLen is the fixed, compile-time-known encoded length of a
	// Recipient: identity_key || encryption_key || gateway_identity_key.
	RecipientLen = identityKeyLength + encryptionKeyLength + gatewayKeyLength
)

// Recipient is an opaque, fixed-size destination identity. It is never
// length-prefixed on the wire: its length is a compile-time constant.
type Recipient [RecipientLen]byte

// IdentityKey returns the identity-key slice of the recipient.
func (r Recipient) IdentityKey() []byte { return r[:identityKeyLength] }

// EncryptionKey returns the encryption-key slice of the recipient.
func (r Recipient) EncryptionKey() []byte {
	return r[identityKeyLength : identityKeyLength+encryptionKeyLength]
}

// GatewayIdentityKey returns the gateway-identity-key slice of the recipient.
func (r Recipient) GatewayIdentityKey() []byte {
	return r[identityKeyLength+encryptionKeyLength:]
}

// Bytes returns the fixed-length encoded form of the recipient.
func (r Recipient) Bytes() []byte {
	out := make([]byte, RecipientLen)
	copy(out, r[:])
	return out
}

// RecipientFromBytes parses a fixed-length encoded recipient.
func RecipientFromBytes(b []byte) (Recipient, error) {
	var r Recipient
	if len(b) != RecipientLen {
		return r, fmt.Errorf("recipient: expected %d bytes, got %d", RecipientLen, len(b))
	}
	copy(r[:], b)
	return r, nil
}

func (r Recipient) String() string {
	return base64.StdEncoding.EncodeToString(r.Bytes())
}

// ReplySURB is an opaque, variable-length, single-use reply block. It is
// owned by whoever constructed it and is consumed (moved) the moment it is
// used to send a reply; callers must not reuse the same value twice.
type ReplySURB struct {
	raw []byte
}

// NewReplySURB wraps raw SURB bytes produced by the (black-box) Sphinx
// layer.
func NewReplySURB(raw []byte) ReplySURB {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return ReplySURB{raw: cp}
}

// Bytes returns the serialized SURB.
func (s ReplySURB) Bytes() []byte { return s.raw }

// ReplySURBLen returns the serialized length of a reply SURB built for the given
// number of mix hops. The Sphinx framing itself is a black box, but its
// length is a deterministic function of the hop count: a per-hop header
// plus a fixed end-to-end surb-ack overhead.
func ReplySURBLen(hops int) int {
	const perHopHeader = 220
	const surbAckOverhead = 32
	return hops*perHopHeader + surbAckOverhead
}

func (s ReplySURB) String() string {
	return base64.StdEncoding.EncodeToString(s.raw)
}

// ToBase58 renders the SURB using the base64 std alphabet; kept as a
// distinctly-named accessor because callers compare round-tripped SURBs by
// their printable form under this name.
func (s ReplySURB) ToBase58() string { return s.String() }

// AnonymousSenderTag is a 16-byte opaque handle a recipient uses to refer
// to an anonymous sender without learning its address. Equality and hashing
// are over the raw bytes, and it is suitable as a map key.
type AnonymousSenderTag [constants.AnonymousSenderTagLength]byte

// NewAnonymousSenderTag generates a random tag from the 16 bytes of a v4
// UUID: 122 of its bits come from a cryptographic random source and the
// other 6 are the fixed version/variant bits. Reusing google/uuid avoids
// hand-rolling a random source.
func NewAnonymousSenderTag() AnonymousSenderTag {
	var t AnonymousSenderTag
	id := uuid.New()
	copy(t[:], id[:])
	return t
}

func (t AnonymousSenderTag) String() string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// FragmentIdentifier uniquely identifies a Fragment within the message it
// was chunked from.
type FragmentIdentifier struct {
	MessageID [constants.MessageIDLength]byte
	Index     uint16
}

func (f FragmentIdentifier) String() string {
	return fmt.Sprintf("%x/%d", f.MessageID[:], f.Index)
}

// TransmissionLane groups fragments for fair-queueing and per-connection
// queue-length reporting. The zero value is the default lane; Retransmission
// is reserved and must never be used for ordinary sends.
type TransmissionLane struct {
	kind         laneKind
	connectionID uint64
}

type laneKind uint8

const (
	laneDefault laneKind = iota
	laneConnection
	laneRetransmission
)

// DefaultLane is the lane used when the caller does not care about fair
// queueing against other connections.
var DefaultLane = TransmissionLane{kind: laneDefault}

// RetransmissionLane is reserved for retransmitted fragments so that they
// cannot starve (or be starved by) the normal pending queue.
var RetransmissionLane = TransmissionLane{kind: laneRetransmission}

// ConnectionLane returns the lane associated with a given local connection
// id, used for LaneQueueLength reporting.
func ConnectionLane(connectionID uint64) TransmissionLane {
	return TransmissionLane{kind: laneConnection, connectionID: connectionID}
}

// IsRetransmission reports whether l is the reserved retransmission lane.
func (l TransmissionLane) IsRetransmission() bool { return l.kind == laneRetransmission }

func (l TransmissionLane) String() string {
	switch l.kind {
	case laneRetransmission:
		return "retransmission"
	case laneConnection:
		return fmt.Sprintf("connection-%d", l.connectionID)
	default:
		return "default"
	}
}

// Fragment is one chunk of a (potentially multi-fragment) outbound message.
// It is created at send time and retained until its ACK arrives or it is
// deemed lost; the chunking/reassembly algorithm itself is a black box
// (owned by the Sphinx/fragmentation layer) — this core only moves
// Fragments around and knows their identifiers.
type Fragment struct {
	ID      FragmentIdentifier
	Payload []byte
}

// Identifier returns the fragment's identifier, satisfying any interface
// that needs to key a fragment without depending on this package's layout.
func (f Fragment) Identifier() FragmentIdentifier { return f.ID }
