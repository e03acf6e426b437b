// crypto.go - per-gateway binary frame confidentiality and integrity.
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

package gateway

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	frameKeySize   = 32
	frameNonceSize = 24
)

var errFrameDecrypt = errors.New("frame decryption failed")

// frameKey trims or zero-pads the negotiated shared key to secretbox's
// 32-byte key size so a shared key of any length can be used.
func frameKey(key []byte) *[frameKeySize]byte {
	k := &[frameKeySize]byte{}
	copy(k[:], key)
	return k
}

// encryptAndSeal seals a forwarded Sphinx packet for the gateway<->client
// transport hop under the shared key. The nonce is drawn fresh per call and
// prepended to the ciphertext, mirroring decryptAndVerify's framing.
func encryptAndSeal(key, plaintext []byte) ([]byte, error) {
	nonce := [frameNonceSize]byte{}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, frameKey(key)), nil
}

// decryptAndVerify opens a binary frame under the shared key negotiated
// during Authenticate. The packet content itself is Sphinx-onion-encrypted
// upstream of this component; what this layer protects is the gateway<->
// client transport hop, the same per-frame secretbox sealing the rest of
// the stack applies to payloads it hands a transport it does not trust.
func decryptAndVerify(key, frame []byte) ([]byte, error) {
	if len(frame) < frameNonceSize+secretbox.Overhead {
		return nil, errFrameDecrypt
	}
	nonce := [frameNonceSize]byte{}
	copy(nonce[:], frame[:frameNonceSize])
	plain, ok := secretbox.Open(nil, frame[frameNonceSize:], &nonce, frameKey(key))
	if !ok {
		return nil, errFrameDecrypt
	}
	return plain, nil
}
