// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

// initialSalt is the version-specific salt used to derive Initial secrets,
// RFC 9001 Section 5.2. This is the QUIC v1 (RFC 9000) salt.
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// a headerProtectionKey knows how to compute the header-protection mask
// for a given 16-byte ciphertext sample (spec.md §4.2).
type headerProtectionKey struct {
	cipher  cipher.Block // set for AES-based suites
	isChaCha bool
	chachaKey []byte // set for ChaCha20
}

// headerProtectionMask computes a 5-byte mask from a ciphertext sample.
func (k headerProtectionKey) headerProtectionMask(sample []byte) (mask [5]byte) {
	if k.isChaCha {
		// RFC 9001 Section 5.4.4: counter is sample[0:4] (LE), nonce is sample[4:16].
		counter := uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
		nonce := sample[4:16]
		s, err := chacha20.NewUnauthenticatedCipher(k.chachaKey, nonce)
		if err != nil {
			panic(err)
		}
		s.SetCounter(counter)
		var zeroes [5]byte
		s.XORKeyStream(mask[:], zeroes[:])
		return mask
	}
	var buf [16]byte
	k.cipher.Encrypt(buf[:], sample)
	copy(mask[:], buf[:5])
	return mask
}

// keys holds the AEAD and header-protection keys for one direction
// (read or write) of one packet-number space, spec.md §3.4/§4.2.
type keys struct {
	aead cipher.AEAD
	hp   headerProtectionKey
	iv   []byte
	// secret is retained so a key update (spec.md §4.11) can derive
	// the next generation's secret from it.
	secret    []byte
	suite     uint16
	keyPhase  int
}

// isSet reports whether k holds usable key material.
func (k keys) isSet() bool {
	return k.aead != nil
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 Section 7.1,
// using the "tls13 " label prefix and QUIC's version-specific labels
// ("quic key" / "quic iv" / "quic hp" / "quic ku"), per spec.md §4.2.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	var hkdfLabel []byte
	hkdfLabel = appendU16(hkdfLabel, uint16(length))
	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, 0) // no context
	return hkdfExpand(secret, hkdfLabel, length)
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// hkdfExpand is HKDF-Expand (RFC 5869) using SHA-256, the only hash
// QUIC v1's Initial keys and the TLS cipher suites in spec.md §4.2 need.
func hkdfExpand(prk, info []byte, length int) []byte {
	out := make([]byte, 0, length)
	var (
		t    []byte
		hash = sha256.New
	)
	for i := 1; len(out) < length; i++ {
		h := hmac.New(hash, prk)
		h.Write(t)
		h.Write(info)
		h.Write([]byte{byte(i)})
		t = h.Sum(nil)
		out = append(out, t...)
	}
	return out[:length]
}

func hkdfExtract(salt, ikm []byte) []byte {
	h := hmac.New(sha256.New, salt)
	h.Write(ikm)
	return h.Sum(nil)
}

// initialSecrets derives the client and server Initial secrets for the
// given destination connection ID, RFC 9001 Section 5.2.
func initialSecrets(destConnID []byte) (clientSecret, serverSecret []byte) {
	initialSecret := hkdfExtract(initialSalt, destConnID)
	clientSecret = hkdfExpandLabel(initialSecret, "client in", sha256.Size)
	serverSecret = hkdfExpandLabel(initialSecret, "server in", sha256.Size)
	return clientSecret, serverSecret
}

// keysFromSecret derives AEAD/HP/IV keys from a traffic secret, for the
// cipher suite negotiated by the TLS handshake (spec.md §4.2, §6 "TLS
// adapter interface").
func keysFromSecret(suite uint16, secret []byte) (keys, error) {
	k := keys{secret: secret, suite: suite}
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		keyBytes := hkdfExpandLabel(secret, "quic key", 16)
		block, err := aes.NewCipher(keyBytes)
		if err != nil {
			return keys{}, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return keys{}, err
		}
		hpBytes := hkdfExpandLabel(secret, "quic hp", 16)
		hpBlock, err := aes.NewCipher(hpBytes)
		if err != nil {
			return keys{}, err
		}
		k.aead = aead
		k.hp = headerProtectionKey{cipher: hpBlock}
		k.iv = hkdfExpandLabel(secret, "quic iv", aead.NonceSize())
	case tls.TLS_AES_256_GCM_SHA384:
		return keys{}, fmt.Errorf("quic: AES-256-GCM requires SHA-384 key schedule, unsupported by this adapter")
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		keyBytes := hkdfExpandLabel(secret, "quic key", chacha20poly1305.KeySize)
		aead, err := chacha20poly1305.New(keyBytes)
		if err != nil {
			return keys{}, err
		}
		hpBytes := hkdfExpandLabel(secret, "quic hp", chacha20.KeySize)
		k.aead = aead
		k.hp = headerProtectionKey{isChaCha: true, chachaKey: hpBytes}
		k.iv = hkdfExpandLabel(secret, "quic iv", aead.NonceSize())
	default:
		return keys{}, fmt.Errorf("quic: unsupported cipher suite %#x", suite)
	}
	return k, nil
}

// updateKeys derives the next generation of 1-RTT keys from the current
// secret, RFC 9001 Section 6 ("quic ku" label), spec.md §4.11 key update.
func updateKeys(k keys) (keys, error) {
	nextSecret := hkdfExpandLabel(k.secret, "quic ku", len(k.secret))
	nk, err := keysFromSecret(k.suite, nextSecret)
	if err != nil {
		return keys{}, err
	}
	nk.keyPhase = k.keyPhase + 1
	return nk, nil
}

// aeadNonce computes the per-packet nonce: the IV XORed with the packet
// number, RFC 9001 Section 5.3.
func aeadNonce(iv []byte, pnum packetNumber) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pnum >> (8 * i))
	}
	return nonce
}
