// hash.go - Miyaguchi-Preneel hashing scheme.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

// MPHash is a chained Miyaguchi-Preneel hash.  The IV is used as the key
// for the first block; each digested block rekeys the internal cipher
// with the running digest.
type MPHash struct {
	iv      [BlockSize]byte
	nextKey [BlockSize]byte
	aes     *Aes
}

// NewMPHash creates a chained hash with the given init vector.
func NewMPHash(iv *[BlockSize]byte) *MPHash {
	h := &MPHash{}
	copy(h.iv[:], iv[:])
	copy(h.nextKey[:], iv[:])
	h.aes = NewAes(&h.nextKey)
	return h
}

// SetIV changes the init vector and resets the hash state.
func (h *MPHash) SetIV(iv *[BlockSize]byte) {
	copy(h.iv[:], iv[:])
	h.Reset()
}

// Reset restores the initial state, preserving only the IV.
func (h *MPHash) Reset() {
	copy(h.nextKey[:], h.iv[:])
	h.aes.Rekey(&h.nextKey)
}

// DigestBlock digests one 16-byte block of data and writes the running
// digest into hash.
func (h *MPHash) DigestBlock(hash, data []byte) {
	var buffer [BlockSize]byte
	h.aes.EcbEncrypt(buffer[:], data)
	XorBytes(h.nextKey[:], h.nextKey[:], buffer[:])
	XorBytes(h.nextKey[:], h.nextKey[:], data)
	h.aes.Rekey(&h.nextKey)
	copy(hash, h.nextKey[:])
	ClearBytes(buffer[:])
}

// SingleBlockMPHash is a one-shot Miyaguchi-Preneel compression of a
// single block, used to derive per-phase keys from the master key.  The
// cipher stays keyed with the IV so repeated derivations avoid a key
// schedule per call.
type SingleBlockMPHash struct {
	iv  [BlockSize]byte
	aes *Aes
}

// NewSingleBlockMPHash creates a single-block hash with the given init
// vector.
func NewSingleBlockMPHash(iv *[BlockSize]byte) *SingleBlockMPHash {
	h := &SingleBlockMPHash{}
	copy(h.iv[:], iv[:])
	h.aes = NewAes(&h.iv)
	return h
}

// SetIV changes the init vector.
func (h *SingleBlockMPHash) SetIV(iv *[BlockSize]byte) {
	copy(h.iv[:], iv[:])
	h.aes.Rekey(&h.iv)
}

// DigestBlock writes MP(iv, data) = E_iv(data) XOR iv XOR data into hash.
func (h *SingleBlockMPHash) DigestBlock(hash, data []byte) {
	var buffer [BlockSize]byte
	h.aes.EcbEncrypt(buffer[:], data)
	XorBytes(buffer[:], h.iv[:], buffer[:])
	XorBytes(hash, buffer[:], data)
	ClearBytes(buffer[:])
}
