package compactor

import (
	"encoding/base64"
	"fmt"

	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Sealer 将紧凑字符串加密为可跨进程传递的不透明令牌
type Sealer struct {
	compactor *Compactor
	cipher    *codec.Cipher
}

// NewSealer 创建 Sealer
func NewSealer(c *Compactor, cipher *codec.Cipher) *Sealer {
	return &Sealer{compactor: c, cipher: cipher}
}

// Seal 压缩并加密票据
func (s *Sealer) Seal(t *model.Ticket) (string, error) {
	compacted, err := s.compactor.Compact(t)
	if err != nil {
		return "", err
	}
	sealed, err := s.cipher.Encrypt([]byte(compacted))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open 解密并还原票据
func (s *Sealer) Open(token string) (*model.Ticket, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTicketID, err)
	}
	plain, err := s.cipher.Decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTicketID, err)
	}
	return s.compactor.Expand(string(plain))
}
