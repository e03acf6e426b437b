// simd.go - batched word clearing for the replay bitmap.
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

package replay

// wordClear zeroes count consecutive words of the bitmap starting at word
// start. It is the single seam through which the aligned middle of
// clearWindow is cleared, kept separate from the bit-by-bit head/tail so
// that a platform-specific, vectorized implementation (AVX2/NEON, mirroring
// the original validator's per-arch SimdImpl selection) can be dropped in
// behind this same signature without touching the bit-accounting logic
// above it. The portable form below clears a contiguous slice, which the
// compiler already auto-vectorizes into wide stores on amd64/arm64.
func wordClear(bitmap []uint64, start, count int) {
	for i := start; i < start+count; i++ {
		bitmap[i] = 0
	}
}
