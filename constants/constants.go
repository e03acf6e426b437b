// constants.go - mix client reply pipeline constants.
// Copyright (C) 2017  Yawning Angel.
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

// Package constants contains the sizing and timing constants shared by the
// codec, replay validator, gateway client and reply controller.
package constants

import "time"

const (
	// AnonymousSenderTagLength is the length in bytes of an AnonymousSenderTag.
	AnonymousSenderTagLength = 16

	// MessageIDLength is the length of a message/fragment-set identifier in bytes.
	MessageIDLength = 16

	// CurrentClientProtocolVersion is the protocol version this client
	// advertises during registration/authentication with a gateway.
	CurrentClientProtocolVersion = 2

	// CredentialUpdateV1 is the minimum gateway protocol version required to
	// claim a coconut bandwidth credential (as opposed to free testnet
	// bandwidth).
	CredentialUpdateV1 = 1

	// DefaultNumMixHops is the number of mix hops a reply SURB is built for
	// when this client cannot otherwise determine the path length.
	DefaultNumMixHops = 3

	// ReplayWindowBits is the size, in bits, of the replay validator's
	// sliding window bitmap (16 u64 words).
	ReplayWindowBits = 1024

	// ReplayWindowWords is ReplayWindowBits expressed in 64-bit words.
	ReplayWindowWords = ReplayWindowBits / 64

	// DefaultMinReplySurbThreshold is the default lower SURB-pool watermark
	// below which the pool is considered to need bootstrapping.
	DefaultMinReplySurbThreshold = 10

	// DefaultMaxReplySurbThreshold is the default upper SURB-pool watermark;
	// once pending+available reaches it we stop asking for more.
	DefaultMaxReplySurbThreshold = 100

	// DefaultMinimumReplySurbRequestSize is the smallest batch of SURBs this
	// client will ever request in one go.
	DefaultMinimumReplySurbRequestSize = 10

	// DefaultMaximumReplySurbRequestSize is the largest batch of SURBs this
	// client will ever request in one go.
	DefaultMaximumReplySurbRequestSize = 100

	// DefaultMaximumAllowedReplySurbRequestSize bounds how many SURBs this
	// client is willing to hand out in response to a single
	// AdditionalSurbsRequest from a remote party.
	DefaultMaximumAllowedReplySurbRequestSize = 500

	// SurbBatchSize is the batch size used when draining an
	// AdditionalSurbsRequest.
	SurbBatchSize = 100

	// DefaultMaximumReplySurbAge is how long a SURB pool may sit unused
	// before the whole per-tag entry is invalidated.
	DefaultMaximumReplySurbAge = 24 * time.Hour

	// DefaultMaximumReplyKeyAge is how long an unused reply decryption key
	// may be retained.
	DefaultMaximumReplyKeyAge = 24 * time.Hour

	// DefaultMaximumReplySurbRerequestWaitingPeriod is how long a recipient
	// may go without producing SURBs before we explicitly re-request.
	DefaultMaximumReplySurbRerequestWaitingPeriod = 30 * time.Second

	// DefaultMaximumReplySurbDropWaitingPeriod is how long a recipient may go
	// without producing SURBs before we give up and drop pending replies.
	DefaultMaximumReplySurbDropWaitingPeriod = 5 * time.Minute

	// StaleInspectionInterval is how often the reply controller checks for
	// recipients that have stopped producing SURBs.
	StaleInspectionInterval = 5 * time.Second

	// DefaultControlResponseTimeout is how long the gateway client waits for
	// a response to a control-plane request (bandwidth-bridging credential
	// claims can be slow).
	DefaultControlResponseTimeout = 5 * time.Minute

	// DefaultReconnectAttempts is the number of reconnection attempts the
	// gateway client makes before giving up.
	DefaultReconnectAttempts = 10

	// DefaultReconnectBackoff is the fixed delay between reconnection
	// attempts.
	DefaultReconnectBackoff = 5 * time.Second

	// DefaultHandshakeTimeout bounds the registration/authentication
	// handshake with a gateway.
	DefaultHandshakeTimeout = 10 * time.Second
)

// InvalidateInterval returns how often the reply controller's SURB/key
// invalidation sweep runs for the given max SURB age: a tenth of it, so an
// expired entry lingers at most 10% past its limit.
func InvalidateInterval(maxSurbAge time.Duration) time.Duration {
	return maxSurbAge / 10
}
