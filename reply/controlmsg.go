// controlmsg.go - CBOR-encoded control payloads the reply controller
// exchanges with its remote counterpart through ordinary reply chunks.
// Copyright (C) 2018  masala, David Stainton.
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

package reply

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/nymtech/nym-sub004/types"
)

// ControlKind discriminates the small set of control payloads a reply
// controller ever exchanges with its counterpart out-of-band from ordinary
// application messages: a request for more SURBs, and the SURB batch sent
// back in answer (or unsolicited). This mirrors the CBOR map-keyed framing
// the wider katzenpost dependency graph already uses for its own control
// messages (see DESIGN.md).
type ControlKind uint8

const (
	ControlKindSurbRequest ControlKind = 1
	ControlKindSurbBatch   ControlKind = 2
)

// ControlMessage is the CBOR wire shape carried inside an ordinary reply
// chunk's payload for both directions of the SURB-bootstrapping protocol.
// Exactly one of Amount/Surbs is meaningful, selected by Kind.
type ControlMessage struct {
	Kind        ControlKind `cbor:"1,keyasint"`
	Amount      uint32      `cbor:"2,keyasint,omitempty"`
	Surbs       [][]byte    `cbor:"3,keyasint,omitempty"`
	FromRequest bool        `cbor:"4,keyasint,omitempty"`
}

// encodeSurbRequestAmount serializes an AdditionalSurbsRequest's amount
// field as carried inside a reply chunk; the surrounding Sphinx/control
// framing is a black box, this core only needs a deterministic,
// round-trippable payload.
func encodeSurbRequestAmount(amount uint32) []byte {
	return marshalControlMessage(ControlMessage{Kind: ControlKindSurbRequest, Amount: amount})
}

// EncodeSurbBatch serializes a batch of fresh SURBs sent either unsolicited
// or in answer to a counterpart's AdditionalSurbsRequest. Exported for the
// session-level MixHopSender adapter, which owns wrapping this payload in a
// wire.ReplyRequest.
func EncodeSurbBatch(surbs []types.ReplySURB, fromRequest bool) []byte {
	raw := make([][]byte, len(surbs))
	for i, s := range surbs {
		raw[i] = s.Bytes()
	}
	return marshalControlMessage(ControlMessage{Kind: ControlKindSurbBatch, Surbs: raw, FromRequest: fromRequest})
}

func marshalControlMessage(cm ControlMessage) []byte {
	b, err := cbor.Marshal(cm)
	if err != nil {
		// ControlMessage has no cyclic or unsupported fields; cbor.Marshal
		// cannot fail for it.
		panic(err)
	}
	return b
}

// DecodeControlMessage attempts to parse b as a control payload. Ordinary
// application messages are not CBOR maps keyed the way ControlMessage
// expects, so a decode failure simply means "not a control message" rather
// than a protocol error; callers fall back to treating b as application
// data.
func DecodeControlMessage(b []byte) (*ControlMessage, bool) {
	var cm ControlMessage
	if err := cbor.Unmarshal(b, &cm); err != nil {
		return nil, false
	}
	switch cm.Kind {
	case ControlKindSurbRequest, ControlKindSurbBatch:
		return &cm, true
	default:
		return nil, false
	}
}

// SurbsFromBytes converts a decoded batch's raw SURB bytes back into
// types.ReplySURB values.
func SurbsFromBytes(raw [][]byte) []types.ReplySURB {
	out := make([]types.ReplySURB, len(raw))
	for i, b := range raw {
		out[i] = types.NewReplySURB(b)
	}
	return out
}
