// ack.go - in-flight fragment acknowledgement bookkeeping.
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
	"sync"

	"github.com/nymtech/nym-sub004/types"
)

// PendingAcknowledgement models a fragment in flight. Two references to
// the same value may exist: the retransmission timer's entry, a weak
// reference (an AckHandle, carried on into RetransmitReply), and, once a
// retransmission has found no SURB, the controller's retransmission map
// (a plain *PendingAcknowledgement). Go has no native weak pointers, so the
// "upgrade or skip" pattern from the design notes is implemented with an
// acked flag instead of an arena+generation index: cheaper here because a
// PendingAcknowledgement's only observable state transition is one-way
// (pending -> acked), which a guarded bool captures completely.
type PendingAcknowledgement struct {
	mu      sync.Mutex
	acked   bool
	lane    types.TransmissionLane
	fragment types.Fragment
}

// NewPendingAcknowledgement creates a fresh, un-acked entry for fragment.
func NewPendingAcknowledgement(fragment types.Fragment, lane types.TransmissionLane) *PendingAcknowledgement {
	return &PendingAcknowledgement{fragment: fragment, lane: lane}
}

// FragmentIdentifier returns the identifier of the fragment this ack tracks.
func (p *PendingAcknowledgement) FragmentIdentifier() types.FragmentIdentifier {
	return p.fragment.Identifier()
}

// FragmentData returns the fragment's payload.
func (p *PendingAcknowledgement) FragmentData() []byte { return p.fragment.Payload }

// Lane returns the lane the fragment was originally queued on.
func (p *PendingAcknowledgement) Lane() types.TransmissionLane { return p.lane }

// Ack marks the fragment as acknowledged. Safe to call more than once.
func (p *PendingAcknowledgement) Ack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked = true
}

// IsAcked reports whether Ack has already been called.
func (p *PendingAcknowledgement) IsAcked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked
}

// AckHandle is the weak reference a retransmission timer entry holds. Upgrade
// returns (nil, false) once the real ack has arrived, mirroring a weak
// pointer that failed to upgrade because its referent recorded completion.
type AckHandle struct {
	ack *PendingAcknowledgement
}

// Downgrade produces a weak handle to ack.
func Downgrade(ack *PendingAcknowledgement) AckHandle {
	return AckHandle{ack: ack}
}

// Upgrade returns the underlying PendingAcknowledgement and true unless it
// has already been acknowledged, in which case retransmission must be
// skipped.
func (h AckHandle) Upgrade() (*PendingAcknowledgement, bool) {
	if h.ack == nil || h.ack.IsAcked() {
		return nil, false
	}
	return h.ack, true
}
