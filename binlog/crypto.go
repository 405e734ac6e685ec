// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package binlog

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// KeyProvider returns the key of the given id and version.
type KeyProvider interface {
	GetKey(id, version uint32) ([]byte, error)
}

// Cipher selects the block cipher mode of an encrypted log.
type Cipher uint8

const (
	// CipherCBC is AES-CBC without padding; a trailing partial block is XORed
	// with the encryption of the IV, so ciphertext and plaintext have equal length.
	CipherCBC Cipher = iota
	// CipherCTR is AES-CTR.
	CipherCTR
)

func (c Cipher) String() string {
	switch c {
	case CipherCBC:
		return "cbc"
	case CipherCTR:
		return "ctr"
	default:
		return fmt.Sprintf("Cipher(%d)", uint8(c))
	}
}

// ParseCipher parses "cbc" or "ctr".
func ParseCipher(s string) (Cipher, error) {
	switch s {
	case "", "cbc":
		return CipherCBC, nil
	case "ctr":
		return CipherCTR, nil
	default:
		return 0, fmt.Errorf("unknown cipher %q", s)
	}
}

// frameCrypter transforms one frame body in place.
type frameCrypter interface {
	encrypt(dst, src, iv []byte)
	decrypt(dst, src, iv []byte)
}

// cryptoContext is created once per StartEncryption event; the mode is chosen
// at that point and never per frame.
type cryptoContext struct {
	nonce   [12]byte
	crypter frameCrypter
}

func newCryptoContext(keys KeyProvider, mode Cipher, se *StartEncryption, pos uint32) (*cryptoContext, error) {
	if keys == nil {
		return nil, ErrDecryptionFailure.New(pos, "no key provider configured")
	}
	key, err := keys.GetKey(encryptionKeyID, se.KeyVersion)
	if err != nil {
		return nil, ErrDecryptionFailure.New(pos, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailure.New(pos, err)
	}
	ctx := &cryptoContext{nonce: se.Nonce}
	switch mode {
	case CipherCBC:
		ctx.crypter = cbcCrypter{block: block}
	case CipherCTR:
		ctx.crypter = ctrCrypter{block: block}
	default:
		return nil, ErrDecryptionFailure.New(pos, fmt.Sprintf("unsupported cipher %v", mode))
	}
	return ctx, nil
}

// iv returns nonce || uint32le(offset).
func (c *cryptoContext) iv(offset uint32) []byte {
	iv := make([]byte, aes.BlockSize)
	copy(iv, c.nonce[:])
	binary.LittleEndian.PutUint32(iv[12:], offset)
	return iv
}

// encryptFrame encrypts a plaintext frame written at offset. The length field
// is swapped with the timestamp, bytes [4:] are encrypted, and the length is
// written into the first 4 bytes only after the cipher has run.
func (c *cryptoContext) encryptFrame(frame []byte, offset uint32) []byte {
	out := make([]byte, len(frame))
	plain := append([]byte(nil), frame...)
	length := binary.LittleEndian.Uint32(plain[offsetEventLength:])
	copy(plain[offsetEventLength:offsetEventLength+4], plain[:4])
	c.crypter.encrypt(out[4:], plain[4:], c.iv(offset))
	binary.LittleEndian.PutUint32(out, length)
	return out
}

// decryptFrame reverses encryptFrame.
func (c *cryptoContext) decryptFrame(frame []byte, offset uint32) []byte {
	out := make([]byte, len(frame))
	c.crypter.decrypt(out[4:], frame[4:], c.iv(offset))
	copy(out[:4], out[offsetEventLength:offsetEventLength+4])
	copy(out[offsetEventLength:offsetEventLength+4], frame[:4])
	return out
}

type cbcCrypter struct {
	block cipher.Block
}

func (c cbcCrypter) tail(dst, src, iv []byte) {
	mask := make([]byte, aes.BlockSize)
	c.block.Encrypt(mask, iv)
	for i := range src {
		dst[i] = src[i] ^ mask[i]
	}
}

func (c cbcCrypter) encrypt(dst, src, iv []byte) {
	full := len(src) / aes.BlockSize * aes.BlockSize
	if full > 0 {
		cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(dst[:full], src[:full])
	}
	c.tail(dst[full:], src[full:], iv)
}

func (c cbcCrypter) decrypt(dst, src, iv []byte) {
	full := len(src) / aes.BlockSize * aes.BlockSize
	if full > 0 {
		cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(dst[:full], src[:full])
	}
	c.tail(dst[full:], src[full:], iv)
}

type ctrCrypter struct {
	block cipher.Block
}

func (c ctrCrypter) encrypt(dst, src, iv []byte) {
	cipher.NewCTR(c.block, iv).XORKeyStream(dst, src)
}

func (c ctrCrypter) decrypt(dst, src, iv []byte) {
	c.encrypt(dst, src, iv)
}
