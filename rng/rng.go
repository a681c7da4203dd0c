// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package rng supplies the random state the cache needs: per-descriptor
// coordinate sampling for RandomVirtualPixelMethod, temporary-file name
// generation, and session-key derivation for the remote cache handshake.
//
// Every Descriptor owns its own Source rather than sharing one process-wide
// reservoir, which is the fix for the design-notes caveat about
// GetRandomKey/SetRandomKey sharing a cursor under contention: with no
// shared state there is nothing for a concurrent caller holding the file
// semaphore to race against.
package rng

import (
	cryptorand "crypto/rand"
	mathrand "math/rand"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"
)

// Source is a lazily-initialized per-descriptor random source.
type Source struct {
	rnd *mathrand.Rand
}

// seed64 draws a cryptographically random 64-bit seed, matching the
// "random service" external collaborator's job of seeding process
// randomness from a CSPRNG.
func seed64() int64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// a fixed seed rather than panicking, since this path only feeds
		// virtual-pixel sampling, never security-sensitive material.
		return 0x5bd1e995
	}
	return int64(leUint64(buf[:]))
}

func (s *Source) ensure() *mathrand.Rand {
	if s.rnd == nil {
		s.rnd = mathrand.New(mathrand.NewSource(seed64()))
	}
	return s.rnd
}

// RandomX returns a pseudo-random column in [0, columns).
func (s *Source) RandomX(columns int64) int64 {
	if columns <= 0 {
		return 0
	}
	return s.ensure().Int63n(columns)
}

// RandomY returns a pseudo-random row in [0, rows).
func (s *Source) RandomY(rows int64) int64 {
	if rows <= 0 {
		return 0
	}
	return s.ensure().Int63n(rows)
}

// Nonce returns n cryptographically random bytes, used as the server's
// contribution to the remote-cache session-key handshake.
func Nonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := cryptorand.Read(buf)
	return buf, err
}

// DeriveKeys expands an arbitrary-length shared secret into the two 64-bit
// keys siphash needs, via blake2b-256(secret) split into two halves.
func DeriveKeys(secret string) (k0, k1 uint64) {
	sum := blake2b.Sum256([]byte(secret))
	k0 = leUint64(sum[0:8])
	k1 = leUint64(sum[8:16])
	return k0, k1
}

// SessionKey hashes the nonce under the keys derived from the shared
// secret, producing the 64-bit session-key tag identifying a remote
// cache session.
func SessionKey(k0, k1 uint64, nonce []byte) uint64 {
	return siphash.Hash(k0, k1, nonce)
}

func leUint64(b []byte) uint64 {
	var n uint64
	for i := 0; i < 8 && i < len(b); i++ {
		n |= uint64(b[i]) << (8 * uint(i))
	}
	return n
}

// charset is the alphabet temporary-file names are drawn from.
const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// TempSuffix returns n random characters drawn from charset, replacing the
// X's in the magick-<pid>XXXXXXXXXXXX temporary file pattern.
func TempSuffix(n int) string {
	raw := make([]byte, n)
	cryptorand.Read(raw)
	buf := make([]byte, n)
	for i, b := range raw {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf)
}
