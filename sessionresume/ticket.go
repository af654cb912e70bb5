// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sessionresume implements the TLS session-resumption subsystem of
// an HTTP/HTTPS server: the ticket-key store, its encrypt/decrypt
// handshake hook, the three ticket-key maintainer strategies (local, file,
// and memcached-coordinated cluster), and the configuration surface that
// selects and parameterizes them. Session-ID cache resumption, which is
// delegated to an external distributed cache, is wired in separately by
// sessioncache.go.
package sessionresume

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Cipher names a symmetric cipher suitable for AEAD-style construction
// with a separate MAC.
type Cipher string

// Hash names a keyed hash used as the ticket MAC.
type Hash string

// Supported cipher and hash identifiers. AES-256-CBC/SHA-256 are the
// defaults (spec.md §3); AES-128-CBC/SHA-1 are kept for interop with
// older fleet members, mirroring the symmetric pair original_source/src/ssl.c
// falls back to via EVP_aes_128_cbc()/EVP_sha1() when configured.
const (
	CipherAES256CBC Cipher = "AES-256-CBC"
	CipherAES128CBC Cipher = "AES-128-CBC"

	HashSHA256 Hash = "SHA256"
	HashSHA1   Hash = "SHA1"
)

// cipherKeyLens maps a Cipher to its key length in bytes.
var cipherKeyLens = map[Cipher]int{
	CipherAES256CBC: 32,
	CipherAES128CBC: 16,
}

// hashBlockSizes maps a Hash to its block size in bytes, i.e. the MAC key
// length used here (spec.md §3: "mac_key: random bytes of length
// mac.block_size").
var hashBlockSizes = map[Hash]int{
	HashSHA256: 64,
	HashSHA1:   64,
}

// KeyLen returns c's cipher key length in bytes, and whether c is known.
func (c Cipher) KeyLen() (int, bool) {
	n, ok := cipherKeyLens[c]
	return n, ok
}

// BlockSize returns h's block size in bytes, and whether h is known.
func (h Hash) BlockSize() (int, bool) {
	n, ok := hashBlockSizes[h]
	return n, ok
}

const nameLen = 16 // ticket key name: 16 random bytes (spec.md §3)

// Ticket is an immutable record of one session-ticket key. Apart from
// Destroy zeroing its key material, a Ticket is never mutated after
// construction; rotation means building a new Ticket and replacing the old
// one in the store, not editing it in place.
type Ticket struct {
	Name      [nameLen]byte
	Cipher    Cipher
	CipherKey []byte
	Mac       Hash
	MacKey    []byte
	NotBefore int64
	NotAfter  int64
}

// NewTicket allocates one ticket key. If fill is true, Name, CipherKey,
// and MacKey are filled from a cryptographic RNG; otherwise the caller
// must set them on the returned value before using it (they start out
// zeroed; ParseTickets builds its Ticket values directly and does not use
// this constructor). NewTicket fails if key
// material cannot be obtained from the RNG or if notBefore > notAfter.
func NewTicket(cipher Cipher, mac Hash, notBefore, notAfter int64, fill bool) (*Ticket, error) {
	if notBefore > notAfter {
		return nil, fmt.Errorf("sessionresume: not_before (%d) after not_after (%d)", notBefore, notAfter)
	}
	keyLen, ok := cipher.KeyLen()
	if !ok {
		return nil, fmt.Errorf("sessionresume: unknown cipher %q", cipher)
	}
	blockSize, ok := mac.BlockSize()
	if !ok {
		return nil, fmt.Errorf("sessionresume: unknown mac %q", mac)
	}

	t := &Ticket{
		Cipher:    cipher,
		CipherKey: make([]byte, keyLen),
		Mac:       mac,
		MacKey:    make([]byte, blockSize),
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}

	if fill {
		if _, err := io.ReadFull(rand.Reader, t.Name[:]); err != nil {
			return nil, fmt.Errorf("sessionresume: generating ticket name: %w", err)
		}
		if _, err := io.ReadFull(rand.Reader, t.CipherKey); err != nil {
			return nil, fmt.Errorf("sessionresume: generating cipher key: %w", err)
		}
		if _, err := io.ReadFull(rand.Reader, t.MacKey); err != nil {
			return nil, fmt.Errorf("sessionresume: generating mac key: %w", err)
		}
	}

	return t, nil
}

// Valid reports whether the ticket is eligible for issuing new tickets at
// the given time, i.e. notBefore <= now <= notAfter.
func (t *Ticket) Valid(now int64) bool {
	return t.NotBefore <= now && now <= t.NotAfter
}

// Expired reports whether t should be pruned from the store at the given
// time (spec.md §3: "Expired keys (not_after < now) are removed").
func (t *Ticket) Expired(now int64) bool {
	return t.NotAfter < now
}

// Destroy zeros t's secret key material. It must be called on every
// ticket removed from the store (or discarded, in the ephemeral-key
// fallback path) before the value becomes unreachable.
func (t *Ticket) Destroy() {
	zeroBytes(t.CipherKey)
	zeroBytes(t.MacKey)
}

// less reports whether t sorts strictly before o in the store's total
// order: not_before descending, ties broken by name ascending
// (spec.md §3).
func (t *Ticket) less(o *Ticket) bool {
	if t.NotBefore != o.NotBefore {
		return t.NotBefore > o.NotBefore
	}
	return string(t.Name[:]) < string(o.Name[:])
}
