// request.go - client-to-controller binary request frames.
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

// Package wire implements the binary, tag-dispatched, length-prefixed
// client<->controller codec. Every frame is tag(u8) ||
// payload; variable-length subfields are prefixed by a big-endian u64
// length. Serialization is total; deserialization rejects anything that
// doesn't round-trip exactly.
package wire

import (
	"encoding/binary"

	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

// Request tags.
const (
	SendTag        byte = 0x00
	ReplyTag       byte = 0x01
	SelfAddressTag byte = 0x02
)

const u64Len = 8

// ClientRequest is the sum type of frames a client sends to its controlling
// process. Exactly one of the embedded pointers is non-nil.
type ClientRequest struct {
	Send        *SendRequest
	Reply       *ReplyRequest
	SelfAddress *SelfAddressRequest
}

// SendRequest asks the controller to deliver data to recipient, optionally
// attaching a reply SURB so the recipient can answer anonymously.
type SendRequest struct {
	WithReplySURB bool
	Recipient     types.Recipient
	Data          []byte
}

// ReplyRequest asks the controller to consume a previously received SURB to
// answer an anonymous sender.
type ReplyRequest struct {
	SURB    types.ReplySURB
	Message []byte
}

// SelfAddressRequest asks the controller for this client's own address.
type SelfAddressRequest struct{}

// Marshal serializes a ClientRequest. Serialization is total: it never
// fails. A ClientRequest with neither Send nor Reply set is encoded as a
// SelfAddress request.
func (r *ClientRequest) Marshal() []byte {
	switch {
	case r.Send != nil:
		return marshalSend(r.Send)
	case r.Reply != nil:
		return marshalReply(r.Reply)
	default:
		return []byte{SelfAddressTag}
	}
}

func marshalSend(s *SendRequest) []byte {
	flag := byte(0)
	if s.WithReplySURB {
		flag = 1
	}
	out := make([]byte, 0, 1+1+types.RecipientLen+u64Len+len(s.Data))
	out = append(out, SendTag, flag)
	out = append(out, s.Recipient.Bytes()...)
	out = appendU64(out, uint64(len(s.Data)))
	out = append(out, s.Data...)
	return out
}

func marshalReply(r *ReplyRequest) []byte {
	surb := r.SURB.Bytes()
	out := make([]byte, 0, 1+u64Len+len(surb)+u64Len+len(r.Message))
	out = append(out, ReplyTag)
	out = appendU64(out, uint64(len(surb)))
	out = append(out, surb...)
	out = appendU64(out, uint64(len(r.Message)))
	out = append(out, r.Message...)
	return out
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [u64Len]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// UnmarshalClientRequest parses a ClientRequest frame. On any malformed
// input it returns a *xerrors.CodecError and the frame must be dropped by
// the caller (the bad frame never propagates upward).
func UnmarshalClientRequest(b []byte) (*ClientRequest, error) {
	if len(b) == 0 {
		return nil, xerrors.NewCodecError(xerrors.EmptyRequest, "")
	}
	tag := b[0]
	body := b[1:]
	switch tag {
	case SendTag:
		return unmarshalSend(body)
	case ReplyTag:
		return unmarshalReply(body)
	case SelfAddressTag:
		return &ClientRequest{SelfAddress: &SelfAddressRequest{}}, nil
	default:
		return nil, xerrors.NewCodecError(xerrors.UnknownRequest, "")
	}
}

func unmarshalSend(body []byte) (*ClientRequest, error) {
	if len(body) < 1+types.RecipientLen+u64Len {
		return nil, xerrors.NewCodecError(xerrors.TooShortRequest, "send request truncated")
	}
	flag := body[0]
	if flag != 0 && flag != 1 {
		return nil, xerrors.NewCodecError(xerrors.MalformedRequest, "with_reply_surb flag not in {0,1}")
	}
	rest := body[1:]
	recipient, err := types.RecipientFromBytes(rest[:types.RecipientLen])
	if err != nil {
		return nil, xerrors.NewCodecError(xerrors.MalformedRequest, err.Error())
	}
	rest = rest[types.RecipientLen:]
	dataLen := binary.BigEndian.Uint64(rest[:u64Len])
	rest = rest[u64Len:]
	if dataLen != uint64(len(rest)) {
		return nil, xerrors.NewCodecError(xerrors.MalformedRequest, "inconsistent length: declared data_len does not match trailing bytes")
	}
	data := make([]byte, dataLen)
	copy(data, rest)
	return &ClientRequest{Send: &SendRequest{
		WithReplySURB: flag == 1,
		Recipient:     recipient,
		Data:          data,
	}}, nil
}

// unmarshalReply decodes surb_len || surb || msg_len || msg.
//
// Bound on surb_len: the declared SURB bytes must fit in what follows the
// surb_len prefix AND still leave room for the subsequent msg_len prefix,
// i.e. surb_len <= len(body) - u64Len - u64Len.
func unmarshalReply(body []byte) (*ClientRequest, error) {
	if len(body) < 2*u64Len {
		return nil, xerrors.NewCodecError(xerrors.TooShortRequest, "reply request truncated before surb_len/msg_len")
	}
	surbLen := binary.BigEndian.Uint64(body[:u64Len])
	rest := body[u64Len:]
	if surbLen > uint64(len(rest)) || uint64(len(rest))-surbLen < u64Len {
		return nil, xerrors.NewCodecError(xerrors.MalformedRequest, "declared surb_len leaves no room for msg_len")
	}
	surbBytes := rest[:surbLen]
	rest = rest[surbLen:]
	msgLen := binary.BigEndian.Uint64(rest[:u64Len])
	rest = rest[u64Len:]
	if msgLen != uint64(len(rest)) {
		return nil, xerrors.NewCodecError(xerrors.MalformedRequest, "inconsistent length: declared msg_len does not match trailing bytes")
	}
	msg := make([]byte, msgLen)
	copy(msg, rest)
	return &ClientRequest{Reply: &ReplyRequest{
		SURB:    types.NewReplySURB(surbBytes),
		Message: msg,
	}}, nil
}
