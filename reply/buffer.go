// buffer.go - per-recipient, per-lane outbound fragment buffering.
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
	"math/rand"
	"sync"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/nymtech/nym-sub004/types"
)

// laneQueue is a single lane's unbounded FIFO. InfiniteChannel never blocks
// its producer, matching the buffer's role as a holding pen for fragments
// that cannot be sent immediately for lack of a reply-SURB.
type laneQueue struct {
	ch *channels.InfiniteChannel
}

func newLaneQueue() *laneQueue {
	return &laneQueue{ch: channels.NewInfiniteChannel()}
}

func (q *laneQueue) push(f types.Fragment) {
	q.ch.In() <- f
}

// popAtMostN takes min(n, len) fragments. The receives block because
// InfiniteChannel only offers a buffered fragment on Out once its worker
// goroutine has run, so a non-blocking receive can miss fragments Len counts.
func (q *laneQueue) popAtMostN(n int) []types.Fragment {
	if l := q.ch.Len(); l < n {
		n = l
	}
	out := make([]types.Fragment, 0, n)
	for len(out) < n {
		v, ok := <-q.ch.Out()
		if !ok {
			return out
		}
		out = append(out, v.(types.Fragment))
	}
	return out
}

func (q *laneQueue) len() int { return q.ch.Len() }

// TransmissionBuffer holds fragments awaiting a reply-SURB, keyed by
// recipient and then by TransmissionLane, so that the per-connection fair
// queueing and the reserved retransmission lane can be served independently
// of the default lane.
type TransmissionBuffer struct {
	mu    sync.Mutex
	lanes map[types.AnonymousSenderTag]map[types.TransmissionLane]*laneQueue
}

// NewTransmissionBuffer builds an empty TransmissionBuffer.
func NewTransmissionBuffer() *TransmissionBuffer {
	return &TransmissionBuffer{
		lanes: make(map[types.AnonymousSenderTag]map[types.TransmissionLane]*laneQueue),
	}
}

func (b *TransmissionBuffer) laneFor(recipient types.AnonymousSenderTag, lane types.TransmissionLane) *laneQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	byLane, ok := b.lanes[recipient]
	if !ok {
		byLane = make(map[types.TransmissionLane]*laneQueue)
		b.lanes[recipient] = byLane
	}
	q, ok := byLane[lane]
	if !ok {
		q = newLaneQueue()
		byLane[lane] = q
	}
	return q
}

// Store buffers a single fragment for recipient on lane.
func (b *TransmissionBuffer) Store(recipient types.AnonymousSenderTag, lane types.TransmissionLane, f types.Fragment) {
	b.laneFor(recipient, lane).push(f)
}

// StoreMultiple buffers every fragment in fs for recipient on lane.
func (b *TransmissionBuffer) StoreMultiple(recipient types.AnonymousSenderTag, lane types.TransmissionLane, fs []types.Fragment) {
	q := b.laneFor(recipient, lane)
	for _, f := range fs {
		q.push(f)
	}
}

// PopAtMostNNextMessagesAtRandom drains up to n fragments for recipient,
// taking one fragment per lane per round in a lane order shuffled once per
// call, so no fixed iteration order starves any one connection's lane; the
// reserved retransmission lane is always exhausted first.
func (b *TransmissionBuffer) PopAtMostNNextMessagesAtRandom(recipient types.AnonymousSenderTag, n int) []types.Fragment {
	b.mu.Lock()
	byLane, ok := b.lanes[recipient]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	lanes := make([]types.TransmissionLane, 0, len(byLane))
	queues := make([]*laneQueue, 0, len(byLane))
	var retransmission *laneQueue
	for lane, q := range byLane {
		if lane.IsRetransmission() {
			retransmission = q
			continue
		}
		lanes = append(lanes, lane)
		queues = append(queues, q)
	}
	b.mu.Unlock()

	out := make([]types.Fragment, 0, n)
	if retransmission != nil {
		out = append(out, retransmission.popAtMostN(n)...)
	}
	if len(out) >= n || len(queues) == 0 {
		return out
	}

	order := rand.Perm(len(queues))
	remaining := n - len(out)
	for remaining > 0 {
		progressed := false
		for _, idx := range order {
			if remaining == 0 {
				break
			}
			got := queues[idx].popAtMostN(1)
			if len(got) == 0 {
				continue
			}
			out = append(out, got...)
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

// TotalSize reports the total number of buffered fragments across every
// lane for recipient.
func (b *TransmissionBuffer) TotalSize(recipient types.AnonymousSenderTag) int {
	b.mu.Lock()
	byLane, ok := b.lanes[recipient]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	total := 0
	for _, q := range byLane {
		total += q.len()
	}
	return total
}

// LaneLength reports the number of fragments buffered for recipient on lane.
func (b *TransmissionBuffer) LaneLength(recipient types.AnonymousSenderTag, lane types.TransmissionLane) int {
	b.mu.Lock()
	q, ok := b.lanes[recipient][lane]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// IsEmpty reports whether recipient has no buffered fragments on any lane.
func (b *TransmissionBuffer) IsEmpty(recipient types.AnonymousSenderTag) bool {
	return b.TotalSize(recipient) == 0
}
