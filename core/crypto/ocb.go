// ocb.go - AES-128 OCB3 authenticated encryption bound to the slotInfo block.
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
	"math/bits"
)

// AesOcb implements RFC 7253 OCB3 with AES-128 and full 128-bit tags.
//
// The OCB3 specification prescribes the nonce to be a 128-bit vector:
// the first 7 bits set to the tag length in bits mod 128, zero bits, one
// bit set to 1, and the input nonce N in the rightmost part.  The input
// nonce here is 15 bytes, the maximum the specification allows, so the
// vector has a fixed first byte of value 1 followed by N.
//
// As with GCM, the authenticated data always starts with the implicit
// slotInfo block, binding the message to its transmission slot.
type AesOcb struct {
	aes *Aes

	lStar   [BlockSize]byte
	lDollar [BlockSize]byte
	l       [][BlockSize]byte

	nonce    [BlockSize]byte
	slotInfo [BlockSize]byte
}

// NewAesOcb creates an OCB3 instance keyed with key.
func NewAesOcb(key *[BlockSize]byte) *AesOcb {
	o := &AesOcb{aes: NewAes(key)}
	o.computeLValues()
	return o
}

// Rekey changes the key and recomputes the key-dependent offsets.
func (o *AesOcb) Rekey(key *[BlockSize]byte) {
	o.aes.Rekey(key)
	o.computeLValues()
}

// SetNonce binds the next operation to a transmission slot.  The 15-byte
// nonce holds the same values as slotInfo with the most significant byte
// of the sequence number discarded.
func (o *AesOcb) SetNonce(tileOrFrameNumber uint32, sequenceNumber uint64, masterIndex uint32) {
	setSlotInfo(&o.slotInfo, tileOrFrameNumber, sequenceNumber, masterIndex)
	o.nonce[0] = 0x01
	binary.LittleEndian.PutUint32(o.nonce[1:], masterIndex)
	binary.LittleEndian.PutUint32(o.nonce[5:], tileOrFrameNumber)
	for i := 0; i < 7; i++ {
		o.nonce[9+i] = byte(sequenceNumber >> (8 * uint(i)))
	}
}

// EncryptAndComputeTag encrypts ptx into ctx (same length) and computes
// the 16-byte tag over the slotInfo block, auth and the plaintext
// checksum.  Encrypting an empty plaintext yields an empty ciphertext and
// a valid tag.
func (o *AesOcb) EncryptAndComputeTag(tag, ctx, ptx, auth []byte) {
	o.seal(tag, ctx, ptx, o.withSlotInfo(auth))
}

// VerifyAndDecrypt authenticates tag over the slotInfo block, auth and
// the ciphertext, decrypting ctx into ptx.  The tag comparison is
// constant time.  It returns false when the tag does not match.
func (o *AesOcb) VerifyAndDecrypt(tag, ptx, ctx, auth []byte) bool {
	return o.open(tag, ptx, ctx, o.withSlotInfo(auth))
}

// withSlotInfo prepends the implicit slotInfo block to the caller
// supplied additional data.
func (o *AesOcb) withSlotInfo(auth []byte) []byte {
	ad := make([]byte, BlockSize+len(auth))
	copy(ad, o.slotInfo[:])
	copy(ad[BlockSize:], auth)
	return ad
}

func (o *AesOcb) seal(tag, ctx, ptx, ad []byte) {
	sum := o.hash(ad)

	var offset, checksum, block [BlockSize]byte
	o.computeFirstOffset(&offset)

	full := len(ptx) / BlockSize
	for i := 0; i < full; i++ {
		p := ptx[i*BlockSize : (i+1)*BlockSize]
		c := ctx[i*BlockSize : (i+1)*BlockSize]
		XorBytes(offset[:], offset[:], o.lValue(bits.TrailingZeros(uint(i+1)))[:])
		XorBytes(checksum[:], checksum[:], p)
		XorBytes(block[:], p, offset[:])
		o.aes.EcbEncrypt(block[:], block[:])
		XorBytes(c, block[:], offset[:])
	}
	if rem := len(ptx) % BlockSize; rem > 0 {
		p := ptx[full*BlockSize:]
		c := ctx[full*BlockSize:]
		XorBytes(offset[:], offset[:], o.lStar[:])
		// Pad = ENCIPHER(K, Offset_*), ciphertext is the pad XOR P_*.
		o.aes.EcbEncrypt(block[:], offset[:])
		XorBytes(c, p, block[:rem])
		XorBytes(checksum[:rem], checksum[:rem], p)
		checksum[rem] ^= 0x80
	}

	o.finishTag(tag, &checksum, &offset, &sum)
	ClearBytes(block[:])
}

func (o *AesOcb) open(tag, ptx, ctx, ad []byte) bool {
	sum := o.hash(ad)

	var offset, checksum, block [BlockSize]byte
	o.computeFirstOffset(&offset)

	full := len(ctx) / BlockSize
	for i := 0; i < full; i++ {
		c := ctx[i*BlockSize : (i+1)*BlockSize]
		p := ptx[i*BlockSize : (i+1)*BlockSize]
		XorBytes(offset[:], offset[:], o.lValue(bits.TrailingZeros(uint(i+1)))[:])
		XorBytes(block[:], c, offset[:])
		o.aes.EcbDecrypt(block[:], block[:])
		XorBytes(p, block[:], offset[:])
		XorBytes(checksum[:], checksum[:], p)
	}
	if rem := len(ctx) % BlockSize; rem > 0 {
		c := ctx[full*BlockSize:]
		p := ptx[full*BlockSize:]
		XorBytes(offset[:], offset[:], o.lStar[:])
		o.aes.EcbEncrypt(block[:], offset[:])
		XorBytes(p, c, block[:rem])
		XorBytes(checksum[:rem], checksum[:rem], p)
		checksum[rem] ^= 0x80
	}

	var computed [BlockSize]byte
	o.finishTag(computed[:], &checksum, &offset, &sum)
	valid := subtle.ConstantTimeCompare(tag[:BlockSize], computed[:]) == 1
	ClearBytes(computed[:])
	ClearBytes(block[:])
	return valid
}

// hash computes the HASH function of RFC 7253 over the additional data.
func (o *AesOcb) hash(ad []byte) [BlockSize]byte {
	var sum, offset, block [BlockSize]byte

	full := len(ad) / BlockSize
	for i := 0; i < full; i++ {
		XorBytes(offset[:], offset[:], o.lValue(bits.TrailingZeros(uint(i+1)))[:])
		XorBytes(block[:], ad[i*BlockSize:(i+1)*BlockSize], offset[:])
		o.aes.EcbEncrypt(block[:], block[:])
		XorBytes(sum[:], sum[:], block[:])
	}
	if rem := len(ad) % BlockSize; rem > 0 {
		XorBytes(offset[:], offset[:], o.lStar[:])
		copy(block[:], offset[:])
		XorBytes(block[:rem], block[:rem], ad[len(ad)-rem:])
		block[rem] ^= 0x80
		o.aes.EcbEncrypt(block[:], block[:])
		XorBytes(sum[:], sum[:], block[:])
	}
	ClearBytes(block[:])
	return sum
}

func (o *AesOcb) finishTag(tag []byte, checksum, offset, sum *[BlockSize]byte) {
	XorBytes(checksum[:], checksum[:], offset[:])
	XorBytes(checksum[:], checksum[:], o.lDollar[:])
	o.aes.EcbEncrypt(checksum[:], checksum[:])
	XorBytes(tag[:BlockSize], checksum[:], sum[:])
	ClearBytes(checksum[:])
	ClearBytes(sum[:])
}

// setRawNonce loads a nonce of up to 15 bytes with the standard OCB3
// formatting for 128-bit tags.
func (o *AesOcb) setRawNonce(n []byte) {
	for i := range o.nonce {
		o.nonce[i] = 0
	}
	o.nonce[15-len(n)] = 0x01
	copy(o.nonce[16-len(n):], n)
}

// computeFirstOffset derives Offset_0 from the nonce by encrypting the
// truncated nonce into KTOP and extracting a 128-bit window of the
// stretched value at the bottom bit offset.
func (o *AesOcb) computeFirstOffset(offset *[BlockSize]byte) {
	var top [BlockSize]byte
	copy(top[:], o.nonce[:])
	bottom := top[15] & 0x3f
	top[15] &= 0xc0

	var ktop [24]byte
	o.aes.EcbEncrypt(ktop[:BlockSize], top[:])
	copy(ktop[16:], ktop[:8])
	XorBytes(ktop[16:], ktop[16:], ktop[1:9])

	bitshift := uint(bottom % 8)
	byteshift := int(bottom / 8)
	for i := 15; i >= 0; i-- {
		left := ktop[i+byteshift] << bitshift
		right := byte(0)
		if bitshift > 0 {
			right = ktop[i+byteshift+1] >> (8 - bitshift)
		}
		// Combine the parts with a bitwise OR; a logical OR here would
		// collapse the shifted bytes to 0 or 1.
		offset[i] = left | right
	}
	ClearBytes(ktop[:])
}

func (o *AesOcb) computeLValues() {
	var zero [BlockSize]byte
	o.aes.EcbEncrypt(o.lStar[:], zero[:])
	gfDouble(&o.lDollar, &o.lStar)
	o.l = o.l[:0]
	var l0 [BlockSize]byte
	gfDouble(&l0, &o.lDollar)
	o.l = append(o.l, l0)
}

// lValue returns L[i], extending the cache on demand.
func (o *AesOcb) lValue(i int) *[BlockSize]byte {
	for len(o.l) <= i {
		var next [BlockSize]byte
		gfDouble(&next, &o.l[len(o.l)-1])
		o.l = append(o.l, next)
	}
	return &o.l[i]
}

// gfDouble computes p(x)*x in GF(2^128) with the OCB polynomial.
func gfDouble(dst, src *[BlockSize]byte) {
	const poly = 0x87
	msb := src[0] >> 7
	for i := 0; i < BlockSize-1; i++ {
		dst[i] = src[i]<<1 | src[i+1]>>7
	}
	dst[BlockSize-1] = src[BlockSize-1]<<1 ^ msb*poly
}
