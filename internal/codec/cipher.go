package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrDecrypt = errors.New("票据数据解密失败")

// Cipher 票据数据的加密与 ID 摘要
type Cipher struct {
	aead      cipher.AEAD
	digestKey []byte
}

// NewCipher 由配置的密钥派生加密密钥与摘要密钥
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("加密密钥不能为空")
	}
	kdf := hkdf.New(newBlake2b512, []byte(secret), nil, []byte("uac-ticket-registry"))
	encKey := make([]byte, chacha20poly1305.KeySize)
	digestKey := make([]byte, 32)
	if _, err := kdf.Read(encKey); err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}
	if _, err := kdf.Read(digestKey); err != nil {
		return nil, fmt.Errorf("派生摘要密钥失败: %w", err)
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead, digestKey: digestKey}, nil
}

// newBlake2b512 无密钥的 BLAKE2b-512，不带密钥时不会返回错误
func newBlake2b512() hash.Hash {
	h, _ := blake2b.New512(nil)
	return h
}

// Encrypt 加密，输出为 nonce 与密文的拼接
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt 解密
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Digest 带密钥的票据 ID 摘要，用作存储键
func (c *Cipher) Digest(id string) string {
	h, _ := blake2b.New256(c.digestKey)
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}
