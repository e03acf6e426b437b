// response.go - controller-to-client binary response frames.
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

package wire

import (
	"encoding/binary"

	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

// Response tags.
const (
	ErrorTag           byte = 0x00
	ReceivedTag        byte = 0x01
	SelfAddressRespTag byte = 0x02
)

// ServerResponse is the sum type of frames the controller sends back to a
// client. Exactly one embedded pointer is non-nil.
type ServerResponse struct {
	Error       *ErrorResponse
	Received    *ReceivedResponse
	SelfAddress *SelfAddressResponse
}

// ErrorResponse reports a structured failure back to the control-plane
// caller; it never tears down the connection.
type ErrorResponse struct {
	Kind    xerrors.CodecKind
	Message string
}

// ReceivedResponse delivers a message (optionally with an attached reply
// SURB the recipient can use to answer anonymously).
type ReceivedResponse struct {
	SURB    *types.ReplySURB
	Message []byte
}

// SelfAddressResponse answers a SelfAddress request with this client's own
// address.
type SelfAddressResponse struct {
	Recipient types.Recipient
}

// Marshal serializes a ServerResponse. Serialization is total.
func (r *ServerResponse) Marshal() []byte {
	switch {
	case r.Error != nil:
		return marshalError(r.Error)
	case r.Received != nil:
		return marshalReceived(r.Received)
	default:
		out := make([]byte, 0, 1+types.RecipientLen)
		out = append(out, SelfAddressRespTag)
		out = append(out, r.SelfAddress.Recipient.Bytes()...)
		return out
	}
}

func marshalError(e *ErrorResponse) []byte {
	msg := []byte(e.Message)
	out := make([]byte, 0, 1+1+u64Len+len(msg))
	out = append(out, ErrorTag, byte(e.Kind))
	out = appendU64(out, uint64(len(msg)))
	out = append(out, msg...)
	return out
}

func marshalReceived(r *ReceivedResponse) []byte {
	hasSurb := byte(0)
	var surb []byte
	if r.SURB != nil {
		hasSurb = 1
		surb = r.SURB.Bytes()
	}
	size := 1 + 1 + u64Len + len(r.Message)
	if hasSurb == 1 {
		size += u64Len + len(surb)
	}
	out := make([]byte, 0, size)
	out = append(out, ReceivedTag, hasSurb)
	if hasSurb == 1 {
		out = appendU64(out, uint64(len(surb)))
		out = append(out, surb...)
	}
	out = appendU64(out, uint64(len(r.Message)))
	out = append(out, r.Message...)
	return out
}

// UnmarshalServerResponse parses a ServerResponse frame.
func UnmarshalServerResponse(b []byte) (*ServerResponse, error) {
	if len(b) == 0 {
		return nil, xerrors.NewCodecError(xerrors.EmptyResponse, "")
	}
	tag := b[0]
	body := b[1:]
	switch tag {
	case ErrorTag:
		return unmarshalError(body)
	case ReceivedTag:
		return unmarshalReceived(body)
	case SelfAddressRespTag:
		return unmarshalSelfAddress(body)
	default:
		return nil, xerrors.NewCodecError(xerrors.UnknownResponse, "")
	}
}

func unmarshalError(body []byte) (*ServerResponse, error) {
	if len(body) < 1+u64Len {
		return nil, xerrors.NewCodecError(xerrors.TooShortResponse, "error response truncated")
	}
	kind, err := codecKindFromByte(body[0])
	if err != nil {
		return nil, err
	}
	rest := body[1:]
	msgLen := binary.BigEndian.Uint64(rest[:u64Len])
	rest = rest[u64Len:]
	if msgLen != uint64(len(rest)) {
		return nil, xerrors.NewCodecError(xerrors.MalformedResponse, "inconsistent length: declared msg_len does not match trailing bytes")
	}
	return &ServerResponse{Error: &ErrorResponse{Kind: kind, Message: string(rest)}}, nil
}

func codecKindFromByte(b byte) (xerrors.CodecKind, error) {
	switch xerrors.CodecKind(b) {
	case xerrors.EmptyRequest, xerrors.EmptyResponse, xerrors.TooShortRequest, xerrors.TooShortResponse,
		xerrors.UnknownRequest, xerrors.UnknownResponse, xerrors.MalformedRequest, xerrors.MalformedResponse:
		return xerrors.CodecKind(b), nil
	default:
		return 0, xerrors.NewCodecError(xerrors.MalformedResponse, "unrecognized error code")
	}
}

func unmarshalReceived(body []byte) (*ServerResponse, error) {
	if len(body) < 1+u64Len {
		return nil, xerrors.NewCodecError(xerrors.TooShortResponse, "received response truncated")
	}
	withReply := body[0]
	if withReply != 0 && withReply != 1 {
		return nil, xerrors.NewCodecError(xerrors.MalformedResponse, "with_reply flag not in {0,1}")
	}
	rest := body[1:]
	var surb *types.ReplySURB
	if withReply == 1 {
		if len(rest) < u64Len {
			return nil, xerrors.NewCodecError(xerrors.TooShortResponse, "received response truncated before surb_len")
		}
		surbLen := binary.BigEndian.Uint64(rest[:u64Len])
		rest = rest[u64Len:]
		if surbLen > uint64(len(rest)) || uint64(len(rest))-surbLen < u64Len {
			return nil, xerrors.NewCodecError(xerrors.MalformedResponse, "declared surb_len leaves no room for msg_len")
		}
		s := types.NewReplySURB(rest[:surbLen])
		surb = &s
		rest = rest[surbLen:]
	}
	if len(rest) < u64Len {
		return nil, xerrors.NewCodecError(xerrors.TooShortResponse, "received response truncated before msg_len")
	}
	msgLen := binary.BigEndian.Uint64(rest[:u64Len])
	rest = rest[u64Len:]
	if msgLen != uint64(len(rest)) {
		return nil, xerrors.NewCodecError(xerrors.MalformedResponse, "inconsistent length: declared msg_len does not match trailing bytes")
	}
	msg := make([]byte, msgLen)
	copy(msg, rest)
	return &ServerResponse{Received: &ReceivedResponse{SURB: surb, Message: msg}}, nil
}

func unmarshalSelfAddress(body []byte) (*ServerResponse, error) {
	if len(body) < types.RecipientLen {
		return nil, xerrors.NewCodecError(xerrors.TooShortResponse, "self address response truncated")
	}
	if len(body) != types.RecipientLen {
		return nil, xerrors.NewCodecError(xerrors.MalformedResponse, "inconsistent length: recipient is fixed-size")
	}
	recipient, err := types.RecipientFromBytes(body)
	if err != nil {
		return nil, xerrors.NewCodecError(xerrors.MalformedResponse, err.Error())
	}
	return &ServerResponse{SelfAddress: &SelfAddressResponse{Recipient: recipient}}, nil
}
