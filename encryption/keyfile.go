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
// Package encryption provides the keys of encrypted binary logs, read from a
// key file in the format of MariaDB's file_key_management plugin.
package encryption

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apecloud/binlogreplay/binlog"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// saltMagic starts a key file encrypted with
	// openssl enc -aes-256-cbc -md sha256 -pbkdf2.
	saltMagic = "Salted__"
	saltSize  = 8
	// PBKDF2Iterations is the openssl enc default.
	PBKDF2Iterations = 10000
	keySize          = 32
)

// FileKeyProvider holds keys by id. Key files carry one version of each key.
type FileKeyProvider struct {
	keys map[uint32][]byte
}

var _ binlog.KeyProvider = (*FileKeyProvider)(nil)

// ParseKeyFile parses lines of the form id;hexkey. Blank lines and lines
// starting with # are ignored.
func ParseKeyFile(data []byte) (*FileKeyProvider, error) {
	p := &FileKeyProvider{keys: make(map[uint32][]byte)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		idText, keyText, ok := strings.Cut(text, ";")
		if !ok {
			return nil, fmt.Errorf("key file line %d: expected id;key", line)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("key file line %d: invalid key id %q", line, idText)
		}
		key, err := hex.DecodeString(strings.TrimSpace(keyText))
		if err != nil {
			return nil, fmt.Errorf("key file line %d: %w", line, err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("key file line %d: key %d has %d bytes, want 16, 24 or 32", line, id, len(key))
		}
		if _, dup := p.keys[uint32(id)]; dup {
			return nil, fmt.Errorf("key file line %d: duplicate key id %d", line, id)
		}
		p.keys[uint32(id)] = key
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFileKeyProvider reads the key file at path. A non-empty passphrase
// decrypts the file first.
func LoadFileKeyProvider(path, passphrase string) (*FileKeyProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if passphrase != "" {
		if data, err = decryptKeyFile(data, passphrase); err != nil {
			return nil, fmt.Errorf("decrypting key file %s: %w", path, err)
		}
	}
	return ParseKeyFile(data)
}

func (p *FileKeyProvider) GetKey(id, version uint32) ([]byte, error) {
	key, ok := p.keys[id]
	if !ok {
		return nil, fmt.Errorf("no key with id %d", id)
	}
	if version > 1 {
		return nil, fmt.Errorf("key %d has no version %d", id, version)
	}
	return key, nil
}

// deriveKey derives the AES-256 key and IV of an encrypted key file.
func deriveKey(passphrase string, salt []byte) (key, iv []byte) {
	material := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, keySize+aes.BlockSize, sha256.New)
	return material[:keySize], material[keySize:]
}

func decryptKeyFile(data []byte, passphrase string) ([]byte, error) {
	if len(data) < len(saltMagic)+saltSize || string(data[:len(saltMagic)]) != saltMagic {
		return nil, fmt.Errorf("missing %q header", saltMagic)
	}
	salt := data[len(saltMagic) : len(saltMagic)+saltSize]
	body := data[len(saltMagic)+saltSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted length %d is not a multiple of the block size", len(body))
	}
	key, iv := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	// PKCS#7 padding; a wrong passphrase almost always fails here.
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("bad padding: wrong passphrase?")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("bad padding: wrong passphrase?")
		}
	}
	return plain[:len(plain)-pad], nil
}
