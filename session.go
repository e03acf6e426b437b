// session.go - top-level client session wiring the wire codec, gateway
// transport and reply controller together.
// Copyright (C) 2017  Yawning Angel, Ruben Pollan, David Stainton
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

// Package client ties the binary wire codec, the gateway transport and the
// reply controller into the session a caller actually holds.
package client

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/op/go-logging"

	"github.com/nymtech/nym-sub004/gateway"
	"github.com/nymtech/nym-sub004/reply"
	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/wire"
	"github.com/nymtech/nym-sub004/xerrors"
)

var log = logging.MustGetLogger("client")

// MessageConsumer receives messages once they've been decoded off the wire.
// A reply SURB, when present, lets the consumer answer anonymously via Send.
type MessageConsumer interface {
	ReceivedMessage(sender types.AnonymousSenderTag, surb *types.ReplySURB, message []byte)
	ReceivedError(kind xerrors.CodecKind, message string)
}

// SessionConfig specifies the configuration for a new Session.
type SessionConfig struct {
	GatewayURL          string
	Identity            types.Recipient
	GatewayConfig       gateway.Config
	ControllerConfig    reply.Config
	SurbExpiry          time.Duration
	ReplyKeyExpiry      time.Duration
	AckTimeout          time.Duration
	BandwidthController gateway.BandwidthController
	MessageConsumer     MessageConsumer

	// PersistedSharedKey, if set, is a shared key derived by a Register call
	// from an earlier process lifetime. When present, NewSession reuses it
	// via Authenticate instead of repeating the handshake Register performs.
	PersistedSharedKey []byte
}

// Session holds the client session: a connected gateway, the reply
// controller managing anonymous reply traffic, and the storage backing it.
type Session struct {
	cfg        SessionConfig
	gw         *gateway.Client
	controller *reply.Controller
	surbs      reply.SurbsStorage
	keys       reply.ReplyKeysStorage
	consumer   MessageConsumer

	selfAddress chan types.Recipient
}

// NewSession dials the gateway, completes registration and authentication,
// starts listening for pushed mixnet traffic and launches the reply
// controller. It blocks until the gateway handshake completes.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.SurbExpiry == 0 {
		cfg.SurbExpiry = 24 * time.Hour
	}
	if cfg.ReplyKeyExpiry == 0 {
		cfg.ReplyKeyExpiry = 24 * time.Hour
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 30 * time.Second
	}

	s := &Session{
		cfg:         cfg,
		surbs:       reply.NewMemSurbsStorage(cfg.SurbExpiry, cfg.ControllerConfig.MinReplySurbThreshold),
		keys:        reply.NewMemReplyKeysStorage(cfg.ReplyKeyExpiry),
		consumer:    cfg.MessageConsumer,
		selfAddress: make(chan types.Recipient, 1),
	}

	s.gw = gateway.New(cfg.GatewayConfig, cfg.Identity, cfg.GatewayURL, s)
	if cfg.BandwidthController != nil {
		s.gw.SetBandwidthController(cfg.BandwidthController)
	}

	if err := s.gw.EstablishConnection(ctx); err != nil {
		return nil, err
	}
	// A prior shared key lets us skip straight to Authenticate; otherwise
	// Register alone derives one and reaches Authenticated.
	if len(cfg.PersistedSharedKey) > 0 {
		s.gw.SetSharedKey(cfg.PersistedSharedKey)
		if err := s.gw.Authenticate(ctx, nil); err != nil {
			return nil, err
		}
	} else {
		if err := s.gw.Register(ctx, nil); err != nil {
			return nil, err
		}
	}
	if err := s.gw.StartListeningForMixnetMessages(); err != nil {
		return nil, err
	}

	s.controller = reply.New(cfg.ControllerConfig, s.surbs, s.keys, gatewaySender{gw: s.gw, surbs: s.surbs}, cfg.AckTimeout)
	s.controller.Start()

	log.Debugf("session: established for %s", cfg.GatewayURL)
	return s, nil
}

// Shutdown disconnects the gateway, then halts the reply controller. The
// gateway goes first so its read loop stops routing inbound frames before the
// controller's inbox stops draining.
func (s *Session) Shutdown() {
	s.gw.Disconnect()
	s.controller.Halt()
}

// SendAnonymousReply answers sender using one of the reply-SURBs they
// previously gave us, chunked by the caller into fragments.
func (s *Session) SendAnonymousReply(sender types.AnonymousSenderTag, fragments []types.Fragment) {
	s.controller.SendReplyAsync(reply.SendReply{
		Recipient: sender,
		Fragments: fragments,
		Lane:      types.DefaultLane,
	})
}

// Send transmits a direct message to recipient, optionally requesting a
// reply SURB so recipient can answer anonymously.
func (s *Session) Send(recipient types.Recipient, data []byte, withReplySURB bool) error {
	req := wire.ClientRequest{Send: &wire.SendRequest{
		WithReplySURB: withReplySURB,
		Recipient:     recipient,
		Data:          data,
	}}
	return s.gw.SendMixPacket(req.Marshal())
}

// SelfAddress requests and returns this client's own routable address.
func (s *Session) SelfAddress(ctx context.Context) (types.Recipient, error) {
	req := wire.ClientRequest{SelfAddress: &wire.SelfAddressRequest{}}
	if err := s.gw.SendMixPacket(req.Marshal()); err != nil {
		return types.Recipient{}, err
	}
	select {
	case addr := <-s.selfAddress:
		return addr, nil
	case <-ctx.Done():
		return types.Recipient{}, ctx.Err()
	}
}

// RouteFromGateway implements gateway.PacketRouter: every binary frame the
// gateway delivers is a wire.ServerResponse.
func (s *Session) RouteFromGateway(packet []byte) {
	resp, err := wire.UnmarshalServerResponse(packet)
	if err != nil {
		log.Warningf("session: dropping malformed server response: %s", err)
		return
	}
	switch {
	case resp.Error != nil:
		if s.consumer != nil {
			s.consumer.ReceivedError(resp.Error.Kind, resp.Error.Message)
		}
	case resp.Received != nil:
		s.handleReceived(resp.Received)
	case resp.SelfAddress != nil:
		// A SelfAddress response can arrive with no caller currently
		// waiting on SelfAddress (e.g. a retried request whose first
		// answer already completed); we still cache the freshest value
		// rather than treat the extra frame as an error.
		select {
		case s.selfAddress <- resp.SelfAddress.Recipient:
		default:
			select {
			case <-s.selfAddress:
			default:
			}
			s.selfAddress <- resp.SelfAddress.Recipient
		}
	}
}

// handleReceived derives the per-sender bookkeeping tag from the attached
// reply SURB (the wire protocol carries no separate sender identifier; the
// SURB itself is the unforgeable, sender-specific channel token), then
// checks whether the message is one of the reply controller's own
// CBOR-encoded control payloads (a SURB request or a fresh-SURB batch)
// before handing anything to the application consumer.
func (s *Session) handleReceived(r *wire.ReceivedResponse) {
	var tag types.AnonymousSenderTag
	if r.SURB != nil {
		tag = tagFromSURB(*r.SURB)
		s.surbs.InsertSurbs(tag, []types.ReplySURB{*r.SURB})
	}

	if cm, ok := reply.DecodeControlMessage(r.Message); ok {
		s.routeControlMessage(tag, cm)
		return
	}

	if s.consumer != nil {
		s.consumer.ReceivedMessage(tag, r.SURB, r.Message)
	}
}

// routeControlMessage dispatches a decoded reply-controller control payload
// instead of surfacing it to the application consumer.
func (s *Session) routeControlMessage(tag types.AnonymousSenderTag, cm *reply.ControlMessage) {
	switch cm.Kind {
	case reply.ControlKindSurbRequest:
		s.controller.AdditionalSurbsRequestAsync(reply.AdditionalSurbsRequest{
			Recipient: recipientFromTag(tag),
			Amount:    cm.Amount,
		})
	case reply.ControlKindSurbBatch:
		s.controller.AdditionalSurbsAsync(reply.AdditionalSurbs{
			SenderTag:       tag,
			ReplySurbs:      reply.SurbsFromBytes(cm.Surbs),
			FromSurbRequest: cm.FromRequest,
		})
	}
}

// recipientFromTag is the inverse of the reply controller's own
// recipient-to-tag derivation: it rebuilds a storage-compatible Recipient
// stand-in from a tag so an incoming AdditionalSurbsRequest (which the wire
// protocol only ever delivers keyed by sender tag, not a full Recipient) can
// still be serviced through the same per-recipient SURB bookkeeping.
func recipientFromTag(tag types.AnonymousSenderTag) types.Recipient {
	var r types.Recipient
	copy(r[:], tag[:])
	return r
}

// tagFromSURB derives a stable AnonymousSenderTag for bookkeeping purposes
// from the bytes of a reply SURB, since the protocol never names the
// sender directly.
func tagFromSURB(surb types.ReplySURB) types.AnonymousSenderTag {
	sum := sha256.Sum256(surb.Bytes())
	var tag types.AnonymousSenderTag
	copy(tag[:], sum[:len(tag)])
	return tag
}

// gatewaySender adapts a gateway.Client into a reply.MixHopSender, encoding
// each outbound reply chunk or fresh-SURB batch as a wire.ReplyRequest
// carried through a previously received reply SURB.
type gatewaySender struct {
	gw    *gateway.Client
	surbs reply.SurbsStorage
}

func (g gatewaySender) SendReplyChunk(tag types.AnonymousSenderTag, surb types.ReplySURB, payload []byte) error {
	req := wire.ClientRequest{Reply: &wire.ReplyRequest{SURB: surb, Message: payload}}
	return g.gw.SendMixPacket(req.Marshal())
}

func (g gatewaySender) SendFreshSurbs(tag types.AnonymousSenderTag, surbs []types.ReplySURB) error {
	surb, err := g.surbs.GetReplySurbIgnoringThreshold(tag)
	if err != nil {
		return err
	}
	payload := reply.EncodeSurbBatch(surbs, true)
	req := wire.ClientRequest{Reply: &wire.ReplyRequest{SURB: surb, Message: payload}}
	return g.gw.SendMixPacket(req.Marshal())
}
