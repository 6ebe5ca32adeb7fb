// aes.go - AES-128 block primitives for the MAC control plane.
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

// Package crypto implements the authenticated encryption primitives of the
// MAC layer: AES-128 in ECB and CTR modes, the Miyaguchi-Preneel single
// block hash used for key derivation, and the GCM and OCB3 authenticated
// encryption modes bound to the slotInfo nonce block.
package crypto

import (
	"crypto/cipher"

	"gitlab.com/yawning/bsaes.git"
)

// BlockSize is the AES block size in bytes.  All keys, hashes and nonces
// of the MAC layer are a single block.
const BlockSize = 16

// Aes wraps a constant-time AES-128 block cipher keyed with a 128-bit key.
type Aes struct {
	block cipher.Block
}

// NewAes creates a cipher instance for the given 128-bit key.
func NewAes(key *[BlockSize]byte) *Aes {
	block, err := bsaes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	return &Aes{block: block}
}

// Rekey replaces the cipher key.
func (a *Aes) Rekey(key *[BlockSize]byte) {
	block, err := bsaes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	a.block = block
}

// EcbEncrypt encrypts len(ptx) bytes from ptx into ctx.  The length must
// be a multiple of the block size.  ctx and ptx may alias.
func (a *Aes) EcbEncrypt(ctx, ptx []byte) {
	if len(ptx)%BlockSize != 0 {
		panic("crypto: EcbEncrypt: length not a multiple of the block size")
	}
	for i := 0; i < len(ptx); i += BlockSize {
		a.block.Encrypt(ctx[i:i+BlockSize], ptx[i:i+BlockSize])
	}
}

// EcbDecrypt decrypts len(ctx) bytes from ctx into ptx.  The length must
// be a multiple of the block size.  ptx and ctx may alias.
func (a *Aes) EcbDecrypt(ptx, ctx []byte) {
	if len(ctx)%BlockSize != 0 {
		panic("crypto: EcbDecrypt: length not a multiple of the block size")
	}
	for i := 0; i < len(ctx); i += BlockSize {
		a.block.Decrypt(ptx[i:i+BlockSize], ctx[i:i+BlockSize])
	}
}

// CtrXcrypt encrypts or decrypts src into dst in counter mode starting
// from iv.  A trailing partial block discards the unused part of the last
// encrypted counter.
func (a *Aes) CtrXcrypt(iv *IV, dst, src []byte) {
	var buffer [BlockSize]byte
	ctr := *iv
	for i := 0; i < len(src); i += BlockSize {
		n := len(src) - i
		if n > BlockSize {
			n = BlockSize
		}
		a.block.Encrypt(buffer[:], ctr[:])
		XorBytes(dst[i:i+n], buffer[:n], src[i:i+n])
		ctr.Increment()
	}
	ClearBytes(buffer[:])
}
