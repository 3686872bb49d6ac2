package llm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keyCipherInfo = "tutorqa provider api key"
	gcmNonceSize  = 12
)

var errEncryptionKeyMissing = errors.New("llm: APP_ENCRYPTION_KEY is required")

// KeyCipher 负责加解密数据库中保存的供应商 API Key，密文格式为 base64(IV + 密文)。
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher 通过 HKDF-SHA256 从口令派生 AES-256 密钥。
func NewKeyCipher(secret string) (*KeyCipher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errEncryptionKeyMissing
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyCipherInfo)), key); err != nil {
		return nil, fmt.Errorf("llm: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("llm: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("llm: init gcm: %w", err)
	}
	return &KeyCipher{aead: aead}, nil
}

// NewKeyCipherFromEnv 读取 APP_ENCRYPTION_KEY，未配置时返回 nil。
func NewKeyCipherFromEnv() (*KeyCipher, error) {
	secret := strings.TrimSpace(os.Getenv("APP_ENCRYPTION_KEY"))
	if secret == "" {
		return nil, nil
	}
	return NewKeyCipher(secret)
}

// Encrypt 加密明文。
func (k *KeyCipher) Encrypt(plain string) (string, error) {
	if k == nil {
		return "", errEncryptionKeyMissing
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("llm: generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nil, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt 解密密文。不是 base64 的值视为明文原样返回，兼容历史数据。
func (k *KeyCipher) Decrypt(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value, nil
	}
	if k == nil {
		return "", errEncryptionKeyMissing
	}
	if len(raw) <= gcmNonceSize {
		return "", errors.New("llm: ciphertext too short")
	}
	plain, err := k.aead.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("llm: decrypt api key: %w", err)
	}
	return string(plain), nil
}
