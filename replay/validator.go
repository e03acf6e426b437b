// validator.go - sliding-window replay protection validator.
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

// Package replay implements a fixed-size sliding-window replay
// validator used on the gateway's packet receive path. A single Validator is
// single-writer; callers serialize their own access, the type has no
// internal locking.
package replay

import (
	"math/bits"

	"github.com/nymtech/nym-sub004/constants"
	"github.com/nymtech/nym-sub004/xerrors"
)

const (
	wordSize = 64
	nWords   = constants.ReplayWindowWords
	nBits    = constants.ReplayWindowBits
)

// Validator is a {next, receive_cnt, bitmap} sliding-window counter
// validator.
type Validator struct {
	next       uint64
	receiveCnt uint64
	bitmap     [nWords]uint64
}

// New creates a Validator starting at the given initial counter.
func New(initialCounter uint64) *Validator {
	return &Validator{next: initialCounter}
}

// Next returns the next expected counter value.
func (v *Validator) Next() uint64 { return v.next }

// Stats returns (next, receive_cnt).
func (v *Validator) Stats() (next uint64, receiveCnt uint64) {
	return v.next, v.receiveCnt
}

func bitIndex(c uint64) (word int, bit uint) {
	idx := c % nBits
	return int(idx / wordSize), uint(idx % wordSize)
}

func (v *Validator) setBit(c uint64) {
	w, b := bitIndex(c)
	v.bitmap[w] |= 1 << b
}

func (v *Validator) clearBit(c uint64) {
	w, b := bitIndex(c)
	v.bitmap[w] &^= 1 << b
}

func (v *Validator) isBitSet(c uint64) bool {
	w, b := bitIndex(c)
	return v.bitmap[w]&(1<<b) != 0
}

// WillAccept reports whether c would currently be accepted, without
// mutating any state. The acceptance predicate:
//
//	c >= next                     -> Ok
//	c + N_BITS < next (saturating) -> OutOfWindow
//	bit(c mod N_BITS) is set        -> DuplicateCounter
//	otherwise                       -> Ok
func (v *Validator) WillAccept(c uint64) error {
	if c >= v.next {
		return nil
	}
	if addSaturating(c, nBits) < v.next {
		return xerrors.ErrOutOfWindow
	}
	if v.isBitSet(c) {
		return xerrors.ErrDuplicateCounter
	}
	return nil
}

func addSaturating(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

func subSaturating(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// MarkReceived validates and commits counter c.
// On rejection the packet must be dropped by the caller; no state changes.
func (v *Validator) MarkReceived(c uint64) error {
	if err := v.WillAccept(c); err != nil {
		return err
	}

	switch {
	case subSaturating(c, v.next) >= nBits:
		// Far ahead: the whole window is stale regardless of what it holds,
		// so clear it in O(nWords) rather than looping proportional to
		// c-next, which an attacker fully controls.
		v.clearWindowFast()
		v.setBit(c)
		v.next = addSaturating(c, 1)
	case c > v.next:
		// Ahead, but not far enough to skip clearing: clear [next, c) then advance.
		v.clearWindow(c)
		v.setBit(c)
		v.next = c + 1
	case c == v.next:
		v.setBit(c)
		v.next = c + 1
	default: // c < v.next
		v.setBit(c)
	}

	v.receiveCnt++
	return nil
}

// clearWindowFast clears the entire bitmap in O(nWords), used whenever c is
// far enough ahead of next that every bit the window could hold is stale.
// This keeps MarkReceived's cost bounded regardless of how large an
// attacker-controlled counter c is, instead of looping proportional to
// c-next.
func (v *Validator) clearWindowFast() {
	wordClear(v.bitmap[:], 0, nWords)
}

// clearWindow clears bits in [v.next, upTo), bit-by-bit for the unaligned
// head/tail and word-wise (SIMD-eligible on this platform via wordClear) for
// the aligned middle. It is only ever called when upTo-v.next < nBits, i.e.
// the caller's far-ahead fast path above has already handled the case where
// c is far enough ahead that this loop's range would otherwise be unbounded.
func (v *Validator) clearWindow(upTo uint64) {
	i := v.next

	// Pre-alignment bit-by-bit clearing up to the next word boundary.
	for i%wordSize != 0 && i < upTo {
		v.clearBit(i)
		i++
	}

	// Word-aligned middle: clear whole words through wordClear (see simd.go),
	// one word per call.
	for i+wordSize <= upTo {
		w, _ := bitIndex(i)
		wordClear(v.bitmap[:], w, 1)
		i += wordSize
	}

	// Post-alignment tail, bit-by-bit.
	for i < upTo {
		v.clearBit(i)
		i++
	}
}
