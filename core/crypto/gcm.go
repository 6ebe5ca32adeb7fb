// gcm.go - AES-128 Galois/Counter Mode bound to the slotInfo block.
// Copyright (C) 2024  The tdmh authors.
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

package crypto

import (
	"crypto/subtle"
	"encoding/binary"
)

// AesGcm implements authenticated encryption with AES-128 in
// Galois/Counter mode, NIST SP 800-38D, with two deviations that bind
// every message to its transmission slot:
//
// The standard prescribes support for an IV of variable length, expanded
// to the 128-bit counter start J0 via Galois field multiplication.
// Because this operation is expensive, J0 is instead computed directly by
// encrypting the slotInfo block with the GCM key.
//
// To resist replay, authentication always covers implicit information
// about the time at which the message is sent.  The tuple
// (masterIndex, tileOrFrameNumber, sequenceNumber) is encoded in the
// slotInfo block, which is authenticated ahead of the caller supplied
// additional data.
type AesGcm struct {
	aes *Aes

	// H is the GHASH key, the encryption of the zero block.
	h [BlockSize]byte

	slotInfo [BlockSize]byte
	iv       IV
}

// NewAesGcm creates a GCM instance keyed with key.
func NewAesGcm(key *[BlockSize]byte) *AesGcm {
	g := &AesGcm{aes: NewAes(key)}
	var zero [BlockSize]byte
	g.aes.EcbEncrypt(g.h[:], zero[:])
	return g
}

// Rekey changes the key and recomputes the key-dependent GHASH constant.
func (g *AesGcm) Rekey(key *[BlockSize]byte) {
	g.aes.Rekey(key)
	var zero [BlockSize]byte
	g.aes.EcbEncrypt(g.h[:], zero[:])
}

// SetIV derives the counter mode start value for a transmission slot as
// AES(key, slotInfo).
func (g *AesGcm) SetIV(tileOrFrameNumber uint32, sequenceNumber uint64, masterIndex uint32) {
	setSlotInfo(&g.slotInfo, tileOrFrameNumber, sequenceNumber, masterIndex)
	var ivData [BlockSize]byte
	g.aes.EcbEncrypt(ivData[:], g.slotInfo[:])
	g.iv = IV(ivData)
	ClearBytes(ivData[:])
}

// EncryptAndComputeTag encrypts ptx into ctx (same length) and computes
// the 16-byte authentication tag over the slotInfo block, auth and the
// ciphertext.  ctx and tag must not alias ptx or auth.
func (g *AesGcm) EncryptAndComputeTag(tag, ctx, ptx, auth []byte) {
	var workingTag [BlockSize]byte
	g.ghashBlock(&workingTag, g.slotInfo[:])
	g.ghashData(&workingTag, auth)

	ctr := g.iv
	ctr.Increment()
	g.aes.CtrXcrypt(&ctr, ctx, ptx)
	g.ghashData(&workingTag, ctx[:len(ptx)])

	g.finish(&workingTag, len(auth), len(ptx))
	copy(tag, workingTag[:])
	ClearBytes(workingTag[:])
}

// VerifyAndDecrypt authenticates the tag over the slotInfo block, auth
// and ctx, and on success decrypts ctx into ptx.  It returns false when
// the tag does not match; the contents of ptx are unspecified in that
// case.
func (g *AesGcm) VerifyAndDecrypt(tag, ptx, ctx, auth []byte) bool {
	var workingTag [BlockSize]byte
	g.ghashBlock(&workingTag, g.slotInfo[:])
	g.ghashData(&workingTag, auth)
	g.ghashData(&workingTag, ctx)
	g.finish(&workingTag, len(auth), len(ctx))

	valid := subtle.ConstantTimeCompare(tag[:BlockSize], workingTag[:]) == 1
	ClearBytes(workingTag[:])
	if !valid {
		return false
	}

	ctr := g.iv
	ctr.Increment()
	g.aes.CtrXcrypt(&ctr, ptx, ctx)
	return true
}

// ghashData digests a byte stream into the running tag, zero padding the
// trailing partial block.
func (g *AesGcm) ghashData(workingTag *[BlockSize]byte, data []byte) {
	for i := 0; i < len(data); i += BlockSize {
		n := len(data) - i
		if n > BlockSize {
			n = BlockSize
		}
		XorBytes(workingTag[:n], workingTag[:n], data[i:i+n])
		g.multH(workingTag[:], workingTag[:])
	}
}

func (g *AesGcm) ghashBlock(workingTag *[BlockSize]byte, block []byte) {
	XorBytes(workingTag[:], workingTag[:], block)
	g.multH(workingTag[:], workingTag[:])
}

// finish digests the length block and masks the tag with E(J0).  The
// authenticated-only length includes the implicit slotInfo block.
func (g *AesGcm) finish(workingTag *[BlockSize]byte, authLength, cryptLength int) {
	var lengthInfo [BlockSize]byte
	binary.BigEndian.PutUint64(lengthInfo[0:], uint64(8*(authLength+BlockSize)))
	binary.BigEndian.PutUint64(lengthInfo[8:], uint64(8*cryptLength))
	g.ghashBlock(workingTag, lengthInfo[:])

	var firstEctr [BlockSize]byte
	g.aes.EcbEncrypt(firstEctr[:], g.iv[:])
	XorBytes(workingTag[:], workingTag[:], firstEctr[:])
	ClearBytes(firstEctr[:])
}

// multH multiplies src by H in GF(2^128) with the GCM polynomial and
// writes the result to dst.
func (g *AesGcm) multH(dst, src []byte) {
	const r = 0xe1
	var v, z [BlockSize]byte
	copy(v[:], src)

	for i := 0; i < 128; i++ {
		bit := (g.h[i/8] >> (7 - uint(i)%8)) & 1
		mask := byte(0)
		if bit != 0 {
			mask = 0xff
		}
		for j := 0; j < BlockSize; j++ {
			z[j] ^= mask & v[j]
		}

		carryMask := byte(0)
		if v[15]&0x01 != 0 {
			carryMask = 0xff
		}
		rightShift(&v)
		v[0] ^= carryMask & r
	}
	copy(dst, z[:])
}

func rightShift(buf *[BlockSize]byte) {
	carry := byte(0)
	for i := 0; i < BlockSize; i++ {
		next := (buf[i] & 0x01) << 7
		buf[i] = (buf[i] >> 1) | carry
		carry = next
	}
}

// setSlotInfo encodes the canonical slotInfo layout: masterIndex and
// tileOrFrameNumber as 32-bit little endian words, followed by the 64-bit
// little endian sequence number.
func setSlotInfo(slotInfo *[BlockSize]byte, tileOrFrameNumber uint32, sequenceNumber uint64, masterIndex uint32) {
	binary.LittleEndian.PutUint32(slotInfo[0:], masterIndex)
	binary.LittleEndian.PutUint32(slotInfo[4:], tileOrFrameNumber)
	binary.LittleEndian.PutUint64(slotInfo[8:], sequenceNumber)
}
