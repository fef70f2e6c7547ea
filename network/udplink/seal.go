// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package udplink

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrShortPacket is returned by Open for packets too short to hold a salt and a tag.
var ErrShortPacket = errors.New("short packet")

// Cipher is an AEAD construction that can seal frames.
type Cipher struct {
	name        string
	newInstance func(key []byte) (cipher.AEAD, error)
	keySize     int
	saltSize    int
	tagSize     int
}

// Name returns the IETF name of the cipher.
func (c *Cipher) Name() string { return c.name }

// Supported AEAD ciphers. The sealed format is the Shadowsocks AEAD packet format, so a peer can be built with any
// Shadowsocks implementation.
var (
	CHACHA20IETFPOLY1305 = &Cipher{"AEAD_CHACHA20_POLY1305", chacha20poly1305.New, chacha20poly1305.KeySize, 32, 16}
	AES256GCM            = &Cipher{"AEAD_AES_256_GCM", newAesGCM, 32, 32, 16}
	AES128GCM            = &Cipher{"AEAD_AES_128_GCM", newAesGCM, 16, 16, 16}
)

// CipherByName returns the [*Cipher] with the given IETF name or Shadowsocks alias.
func CipherByName(name string) (*Cipher, error) {
	switch strings.ToUpper(name) {
	case "AEAD_CHACHA20_POLY1305", "CHACHA20-IETF-POLY1305":
		return CHACHA20IETFPOLY1305, nil
	case "AEAD_AES_256_GCM", "AES-256-GCM":
		return AES256GCM, nil
	case "AEAD_AES_128_GCM", "AES-128-GCM":
		return AES128GCM, nil
	default:
		return nil, fmt.Errorf("unsupported cipher %v", name)
	}
}

func newAesGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

// Key is a cipher together with the secret shared with the peer.
type Key struct {
	aead   *Cipher
	secret []byte
}

// NewKey derives a Key from a password, with the OpenSSL EVP_BytesToKey scheme.
func NewKey(c *Cipher, password string) (*Key, error) {
	if c == nil {
		return nil, errors.New("cipher is required")
	}
	return &Key{c, evpBytesToKey([]byte(password), c.keySize)}, nil
}

// Overhead is the number of bytes sealing adds to a frame.
func (k *Key) Overhead() int {
	return k.aead.saltSize + k.aead.tagSize
}

var subkeyInfo = []byte("ss-subkey")

func (k *Key) newAEAD(salt []byte) (cipher.AEAD, error) {
	sessionKey := make([]byte, k.aead.keySize)
	r := hkdf.New(sha1.New, k.secret, salt, subkeyInfo)
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		return nil, err
	}
	return k.aead.newInstance(sessionKey)
}

// Function definition at https://www.openssl.org/docs/manmaster/man3/EVP_BytesToKey.html
func evpBytesToKey(data []byte, keyLen int) []byte {
	var derived, di []byte
	h := md5.New()
	for len(derived) < keyLen {
		h.Write(di)
		h.Write(data)
		derived = h.Sum(derived)
		di = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keyLen]
}

// Every packet has its own salt, hence its own subkey, so the nonce is always zero.
var zeroNonce [12]byte

// Seal encrypts frame under a fresh random salt and returns salt || ciphertext || tag, appended to dst[:0].
func Seal(dst, frame []byte, key *Key) ([]byte, error) {
	saltSize := key.aead.saltSize
	if cap(dst) < saltSize+len(frame)+key.aead.tagSize {
		dst = make([]byte, 0, saltSize+len(frame)+key.aead.tagSize)
	}
	salt := dst[:saltSize]
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := key.newAEAD(salt)
	if err != nil {
		return nil, err
	}
	return aead.Seal(salt, zeroNonce[:aead.NonceSize()], frame, nil), nil
}

// Open authenticates and decrypts a packet produced by Seal, appending the frame to dst[:0]. If dst is nil, the frame
// is decrypted in place.
func Open(dst, pkt []byte, key *Key) ([]byte, error) {
	saltSize := key.aead.saltSize
	if len(pkt) < saltSize+key.aead.tagSize {
		return nil, ErrShortPacket
	}
	aead, err := key.newAEAD(pkt[:saltSize])
	if err != nil {
		return nil, err
	}
	msg := pkt[saltSize:]
	if dst == nil {
		dst = msg
	}
	return aead.Open(dst[:0], zeroNonce[:aead.NonceSize()], msg, nil)
}
