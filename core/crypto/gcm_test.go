// gcm_test.go - GCM mode tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Test case 4 of the GCM submission document.  The document's Y0 value is
// loaded directly as the IV, and its additional data is split between the
// slotInfo block and the caller supplied buffer.
func TestGcmPublishedVector(t *testing.T) {
	require := require.New(t)

	var key [BlockSize]byte
	copy(key[:], mustHex(t, "feffe9928665731c6d6a8f9467308308"))
	iv := NewIV(mustHex(t, "cafebabefacedbaddecaf88800000001"))
	ptx := mustHex(t, "d9313225f88406e5a55909c5aff5269a"+
		"86a7a9531534f7da2e4c303d8a318a72"+
		"1c3c0c95956809532fcf0e2449a6b525"+
		"b16aedf5aa0de657ba637b39")
	slot := mustHex(t, "feedfacedeadbeeffeedfacedeadbeef")
	auth := mustHex(t, "abaddad2")
	wantCtx := mustHex(t, "42831ec2217774244b7221b784d0d49c"+
		"e3aa212f2c02a4e035c17e2329aca12e"+
		"21d514b25466931c7d8f6a5aac84aa05"+
		"1ba30b396a0aac973d58e091")
	wantTag := mustHex(t, "5bc94fbc3221a5db94fae95ae7121a47")

	gcm := NewAesGcm(&key)
	copy(gcm.slotInfo[:], slot)
	gcm.iv = iv

	ctx := make([]byte, len(ptx))
	tag := make([]byte, BlockSize)
	gcm.EncryptAndComputeTag(tag, ctx, ptx, auth)
	require.Equal(wantCtx, ctx)
	require.Equal(wantTag, tag)

	ptx2 := make([]byte, len(ctx))
	require.True(gcm.VerifyAndDecrypt(tag, ptx2, ctx, auth))
	require.Equal(ptx, ptx2)
}

func TestGcmRoundTrip(t *testing.T) {
	require := require.New(t)

	var key [BlockSize]byte
	copy(key[:], []byte("sixteen byte key"))
	gcm := NewAesGcm(&key)
	gcm.SetIV(42, 7, 3)

	ptx := []byte("the quick brown fox jumps over the lazy dog")
	auth := []byte{0x01, 0x02, 0x03}
	ctx := make([]byte, len(ptx))
	tag := make([]byte, BlockSize)
	gcm.EncryptAndComputeTag(tag, ctx, ptx, auth)

	out := make([]byte, len(ctx))
	require.True(gcm.VerifyAndDecrypt(tag, out, ctx, auth))
	require.Equal(ptx, out)

	// Any single bit flip in ciphertext, additional data or tag must
	// cause verification failure.
	flip := func(b []byte, i int) {
		b[i] ^= 0x40
	}
	for _, tc := range []struct {
		name string
		mut  func()
		undo func()
	}{
		{"ciphertext", func() { flip(ctx, 5) }, func() { flip(ctx, 5) }},
		{"auth", func() { flip(auth, 1) }, func() { flip(auth, 1) }},
		{"tag", func() { flip(tag, 0) }, func() { flip(tag, 0) }},
	} {
		tc.mut()
		require.False(gcm.VerifyAndDecrypt(tag, out, ctx, auth), tc.name)
		tc.undo()
	}
	require.True(gcm.VerifyAndDecrypt(tag, out, ctx, auth))
}

func TestGcmNonceChangesTag(t *testing.T) {
	require := require.New(t)

	var key [BlockSize]byte
	gcm := NewAesGcm(&key)

	auth := []byte("header")
	tagA := make([]byte, BlockSize)
	tagB := make([]byte, BlockSize)

	gcm.SetIV(1, 1, 0)
	gcm.EncryptAndComputeTag(tagA, nil, nil, auth)
	gcm.SetIV(1, 2, 0)
	gcm.EncryptAndComputeTag(tagB, nil, nil, auth)
	require.NotEqual(tagA, tagB)

	// Same slot information must produce the same tag again.
	gcm.SetIV(1, 1, 0)
	gcm.EncryptAndComputeTag(tagB, nil, nil, auth)
	require.Equal(tagA, tagB)
}

func TestIVIncrement(t *testing.T) {
	require := require.New(t)

	// 255 consecutive increments traverse exactly 256 distinct values
	// before wrapping within the last byte.
	var iv IV
	seen := make(map[IV]bool)
	seen[iv] = true
	for i := 0; i < 255; i++ {
		iv.Increment()
		require.False(seen[iv])
		seen[iv] = true
	}
	require.Len(seen, 256)
	require.Equal(byte(0xff), iv[15])

	// Carry propagation across all bytes.
	for i := range iv {
		iv[i] = 0xff
	}
	iv.Increment()
	var zero IV
	require.Equal(zero, iv)
}

func TestMPHashSingleBlock(t *testing.T) {
	require := require.New(t)

	var iv [BlockSize]byte
	copy(iv[:], []byte("master-rotationX"))
	h := NewSingleBlockMPHash(&iv)

	data := []byte("0123456789abcdef")
	digest := make([]byte, BlockSize)
	h.DigestBlock(digest, data)

	// MP compression: E_iv(m) XOR iv XOR m.
	var want [BlockSize]byte
	NewAes(&iv).EcbEncrypt(want[:], data)
	XorBytes(want[:], want[:], iv[:])
	XorBytes(want[:], want[:], data)
	require.Equal(want[:], digest)

	// Digesting twice with the same IV gives the same result.
	digest2 := make([]byte, BlockSize)
	h.DigestBlock(digest2, data)
	require.Equal(digest, digest2)
}

func TestMPHashChained(t *testing.T) {
	require := require.New(t)

	var iv [BlockSize]byte
	copy(iv[:], []byte("chain-iv-0123456"))
	h := NewMPHash(&iv)

	m1 := []byte("first block.....")
	m2 := []byte("second block....")
	d1 := make([]byte, BlockSize)
	d2 := make([]byte, BlockSize)
	h.DigestBlock(d1, m1)
	h.DigestBlock(d2, m2)

	// Each step is the MP compression keyed with the running digest.
	var k, buf [BlockSize]byte
	copy(k[:], iv[:])
	step := func(m []byte) {
		NewAes(&k).EcbEncrypt(buf[:], m)
		XorBytes(k[:], k[:], buf[:])
		XorBytes(k[:], k[:], m)
	}
	step(m1)
	require.Equal(k[:], d1)
	step(m2)
	require.Equal(k[:], d2)

	// Reset restores the initial state.
	h.Reset()
	d3 := make([]byte, BlockSize)
	h.DigestBlock(d3, m1)
	require.Equal(d1, d3)
}
