// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rc4"
	"errors"
	"fmt"
	"strings"

	"github.com/bassosimone/runtimex"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
	"golang.org/x/crypto/twofish"
)

// Keystream encrypts or decrypts a buffer in place.
//
// Every keystream produced by this package is a position-fixed XOR pad:
// Apply always starts from the beginning of the pad, so applying the same
// keystream twice restores the original bytes. The protocol relies on this
// when the peer derives the identical pad from the shared IV and password.
type Keystream interface {
	Apply(buf []byte)
}

// CryptoEngine derives a [Keystream] from a password, a cipher name, and
// the IV transmitted by the server.
//
// The engine is an explicitly passed capability: the protocol layer holds
// exactly one engine value and never consults any process-wide crypto
// state.
type CryptoEngine interface {
	NewKeystream(password, cipherName string, iv []byte) (Keystream, error)
}

// CryptoEngineClassic implements [CryptoEngine] with the classic cipher
// roster: "none", "xor", "rc4"/"arcfour", "des", "3des", "blowfish",
// "cast128", "twofish", "aes128", "aes192", and "aes"/"aes256". Cipher
// names are case-insensitive; unknown names are errors.
//
// The roster exists for interoperability with legacy agent configurations.
// Several of its ciphers (xor, rc4, des) are cryptographically broken:
// deployments that need actual transport security should enable TLS and
// treat the packet cipher as obfuscation only.
//
// Keys are the password zero-padded or truncated to the cipher's key
// size; block ciphers run in CTR mode with the leading block of the
// transmitted IV. The zero value is ready to use.
type CryptoEngineClassic struct{}

var _ CryptoEngine = CryptoEngineClassic{}

// NewKeystream implements [CryptoEngine].
func (CryptoEngineClassic) NewKeystream(password, cipherName string, iv []byte) (Keystream, error) {
	switch strings.ToLower(cipherName) {
	case "", "none":
		return nopKeystream{}, nil

	case "xor":
		if len(iv) == 0 {
			return nil, errors.New("nscp: xor cipher requires a non-empty iv")
		}
		return &xorKeystream{
			iv:       append([]byte(nil), iv...),
			password: []byte(password),
		}, nil

	case "rc4", "arcfour":
		key := keyBytes(password, 16)
		if _, err := rc4.NewCipher(key); err != nil {
			return nil, err
		}
		return &padKeystream{newStream: func() cipher.Stream {
			return runtimex.PanicOnError1(rc4.NewCipher(key))
		}}, nil

	case "des":
		return newBlockPad(des.NewCipher, 8, password, iv)

	case "3des":
		return newBlockPad(des.NewTripleDESCipher, 24, password, iv)

	case "blowfish":
		return newBlockPad(func(key []byte) (cipher.Block, error) {
			return blowfish.NewCipher(key)
		}, 56, password, iv)

	case "cast128":
		return newBlockPad(func(key []byte) (cipher.Block, error) {
			return cast5.NewCipher(key)
		}, 16, password, iv)

	case "twofish":
		return newBlockPad(func(key []byte) (cipher.Block, error) {
			return twofish.NewCipher(key)
		}, 32, password, iv)

	case "aes128":
		return newBlockPad(aes.NewCipher, 16, password, iv)

	case "aes192":
		return newBlockPad(aes.NewCipher, 24, password, iv)

	case "aes", "aes256":
		return newBlockPad(aes.NewCipher, 32, password, iv)

	default:
		return nil, fmt.Errorf("nscp: unknown cipher %q", cipherName)
	}
}

// newBlockPad builds a CTR-mode pad over the given block cipher. The
// cipher and the IV slice are validated here, once, so that rebuilding
// the stream inside Apply cannot fail.
func newBlockPad(newCipher func(key []byte) (cipher.Block, error),
	keySize int, password string, iv []byte) (Keystream, error) {
	block, err := newCipher(keyBytes(password, keySize))
	if err != nil {
		return nil, err
	}
	if len(iv) < block.BlockSize() {
		return nil, fmt.Errorf("nscp: iv shorter than cipher block size %d", block.BlockSize())
	}
	ivBlock := append([]byte(nil), iv[:block.BlockSize()]...)
	return &padKeystream{newStream: func() cipher.Stream {
		return cipher.NewCTR(block, ivBlock)
	}}, nil
}

// keyBytes derives the cipher key: the password bytes zero-padded or
// truncated to the cipher's key size, as the classic protocol does.
func keyBytes(password string, size int) []byte {
	key := make([]byte, size)
	copy(key, password)
	return key
}

// nopKeystream leaves the buffer unchanged.
type nopKeystream struct{}

// Apply implements [Keystream].
func (nopKeystream) Apply(buf []byte) {
	// nothing
}

// xorKeystream XORs the buffer with the cycled IV and then the cycled
// password, matching the classic "xor" packet cipher.
type xorKeystream struct {
	iv       []byte
	password []byte
}

// Apply implements [Keystream].
func (ks *xorKeystream) Apply(buf []byte) {
	for i := range buf {
		buf[i] ^= ks.iv[i%len(ks.iv)]
	}
	if len(ks.password) > 0 {
		for i := range buf {
			buf[i] ^= ks.password[i%len(ks.password)]
		}
	}
}

// padKeystream adapts a stream cipher to the [Keystream] contract by
// rebuilding the cipher on every Apply, so the pad always starts at
// position zero and applying it twice restores the original bytes.
type padKeystream struct {
	newStream func() cipher.Stream
}

// Apply implements [Keystream].
func (ks *padKeystream) Apply(buf []byte) {
	ks.newStream().XORKeyStream(buf, buf)
}
