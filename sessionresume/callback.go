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

package sessionresume

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation identifies which half of the ticket-key callback contract is
// being invoked (spec.md §4.C).
type Operation int

const (
	OpEncrypt Operation = iota
	OpDecrypt
)

// Result is the outcome of a handshake callback invocation, carrying the
// same semantics as the int return values of the ticket-key callback
// contract in spec.md §6: 1 (ok), 2 (ok but renew, decrypt only), 0 (key
// not found), <0 (error).
type Result int

const (
	ResultError    Result = -1
	ResultNotFound Result = 0
	ResultOK       Result = 1
	ResultRenew    Result = 2
)

// CipherContext is initialized with a ticket's cipher key and (for
// encryption) a freshly generated IV, the way EVP_EncryptInit_ex /
// EVP_DecryptInit_ex are called in original_source/src/ssl.c's
// ticket_key_callback. Concrete TLS bindings supply an implementation
// that wraps crypto/cipher.
type CipherContext interface {
	InitEncrypt(key, iv []byte) error
	InitDecrypt(key, iv []byte) error
}

// MacContext is initialized with a ticket's MAC key, the way HMAC_Init_ex
// is called alongside the cipher context in the same callback.
type MacContext interface {
	Init(key []byte) error
}

// IVLen is the initialization vector length used for the ticket cipher.
// AES-CBC (the only ciphers this package supports) uses a 16-byte IV.
const IVLen = 16

// TicketKeyCallback implements the per-handshake encrypt/decrypt hook of
// spec.md §4.C against a Store. One TicketKeyCallback is installed on
// every TLS context in the process; it never mutates the store.
type TicketKeyCallback struct {
	Store *Store
}

// NewTicketKeyCallback returns a callback backed by store.
func NewTicketKeyCallback(store *Store) *TicketKeyCallback {
	return &TicketKeyCallback{Store: store}
}

// Handle runs one encrypt or decrypt callback invocation. keyName is
// read-write: on encrypt it is filled with the chosen key's name; on
// decrypt it is read to find the matching key. iv must have length IVLen;
// on encrypt it is filled with random bytes before use.
//
// Handle holds the store's shared lock for the entire call, including IV
// generation and the ephemeral-key fallback, per spec.md §5 ("Handshake
// callbacks take the shared lock for the full callback duration ...
// safe because the ephemeral key is not installed in the store").
func (cb *TicketKeyCallback) Handle(op Operation, keyName *[nameLen]byte, iv []byte, cipherCtx CipherContext, macCtx MacContext) (result Result, err error) {
	if len(iv) != IVLen {
		return ResultError, fmt.Errorf("sessionresume: iv must be %d bytes, got %d", IVLen, len(iv))
	}

	now := time.Now().Unix()

	cb.Store.Read(func(tickets []*Ticket) {
		switch op {
		case OpEncrypt:
			result, err = cb.handleEncrypt(tickets, now, keyName, iv, cipherCtx, macCtx)
		case OpDecrypt:
			result, err = cb.handleDecrypt(tickets, keyName, iv, cipherCtx, macCtx)
		default:
			result, err = ResultError, fmt.Errorf("sessionresume: unknown operation %v", op)
		}
	})

	outcome := "ok"
	switch {
	case err != nil || result == ResultError:
		outcome = "error"
	case result == ResultNotFound:
		outcome = "not_found"
	case result == ResultRenew:
		outcome = "renew"
	}
	opName := "encrypt"
	if op == OpDecrypt {
		opName = "decrypt"
	}
	resumptionMetrics.handshakeResults.WithLabelValues(opName, outcome).Inc()

	return result, err
}

func (cb *TicketKeyCallback) handleEncrypt(tickets []*Ticket, now int64, keyName *[nameLen]byte, iv []byte, cipherCtx CipherContext, macCtx MacContext) (Result, error) {
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return ResultError, fmt.Errorf("sessionresume: generating iv: %w", err)
	}

	ticket := findEncryptionEligible(tickets, now)

	var ephemeral *Ticket
	if ticket == nil {
		// No currently-valid key: synthesize a single-use ephemeral key
		// with the default cipher/MAC and a maximal validity window
		// (spec.md §4.C). It is used for this handshake only, never
		// installed in the store, and wiped before we return. This is
		// documented, intentional behavior (spec.md §9, open question a):
		// tickets from this path are undecryptable even by this same
		// process a moment later.
		var err error
		ephemeral, err = NewTicket(CipherAES256CBC, HashSHA256, 0, maxNotAfter, true)
		if err != nil {
			return ResultError, fmt.Errorf("sessionresume: ephemeral key fallback: %w", err)
		}
		ticket = ephemeral
		logEphemeralFallbackOnce()
	}

	*keyName = ticket.Name
	if err := cipherCtx.InitEncrypt(ticket.CipherKey, iv); err != nil {
		if ephemeral != nil {
			ephemeral.Destroy()
		}
		return ResultError, fmt.Errorf("sessionresume: initializing cipher context: %w", err)
	}
	if err := macCtx.Init(ticket.MacKey); err != nil {
		if ephemeral != nil {
			ephemeral.Destroy()
		}
		return ResultError, fmt.Errorf("sessionresume: initializing mac context: %w", err)
	}

	if ephemeral != nil {
		ephemeral.Destroy()
	}

	return ResultOK, nil
}

func (cb *TicketKeyCallback) handleDecrypt(tickets []*Ticket, keyName *[nameLen]byte, iv []byte, cipherCtx CipherContext, macCtx MacContext) (Result, error) {
	for i, t := range tickets {
		if t.Name != *keyName {
			continue
		}
		if err := cipherCtx.InitDecrypt(t.CipherKey, iv); err != nil {
			return ResultError, fmt.Errorf("sessionresume: initializing cipher context: %w", err)
		}
		if err := macCtx.Init(t.MacKey); err != nil {
			return ResultError, fmt.Errorf("sessionresume: initializing mac context: %w", err)
		}
		if i == 0 {
			return ResultOK, nil
		}
		return ResultRenew, nil
	}
	return ResultNotFound, nil
}

// findEncryptionEligible scans tickets newer-first (the store's natural
// order) for the key that should be used to encrypt a new ticket, per
// spec.md §4.C: the first key whose not_before <= now; if that key is
// still valid it's the answer, otherwise there is no newer valid key and
// there is no answer.
func findEncryptionEligible(tickets []*Ticket, now int64) *Ticket {
	for _, t := range tickets {
		if t.NotBefore <= now {
			if now <= t.NotAfter {
				return t
			}
			return nil
		}
	}
	return nil
}

// maxNotAfter is the maximal validity window end used for the ephemeral
// fallback key (spec.md §4.C: "maximal validity window").
const maxNotAfter = int64(1<<63 - 1)

var ephemeralWarningOnce sync.Once

// logEphemeralFallbackOnce warns the operator the first time the
// ephemeral-key fallback fires after startup, rather than on every
// handshake (which would flood logs under sustained load with an empty
// store).
func logEphemeralFallbackOnce() {
	ephemeralWarningOnce.Do(func() {
		Log().Warn("no valid ticket key; issuing ephemeral single-use key",
			zap.String("detail", "ticket will be undecryptable once this handshake completes"))
	})
}
