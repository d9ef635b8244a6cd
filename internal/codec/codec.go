// Package codec 票据存储编码
// 编码格式：版本(1 字节) + 标志(1 字节) + CBOR 负载，负载可选压缩与加密。
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const (
	formatVersion = 1

	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1
)

var ErrCorrupted = errors.New("票据数据损坏")

// Codec 票据编解码器，可并发使用
type Codec struct {
	enc       cbor.EncMode
	dec       cbor.DecMode
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
	threshold int
	cipher    *Cipher
}

// Options 编解码选项
type Options struct {
	// CompressThreshold 负载超过该字节数时压缩，0 表示不压缩
	CompressThreshold int
	// Cipher 为空时不加密
	Cipher *Cipher
}

// New 创建编解码器
func New(opts Options) (*Codec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Codec{
		enc:       enc,
		dec:       dec,
		zenc:      zenc,
		zdec:      zdec,
		threshold: opts.CompressThreshold,
		cipher:    opts.Cipher,
	}, nil
}

// Encode 编码票据
func (c *Codec) Encode(t *model.Ticket) ([]byte, error) {
	payload, err := c.enc.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("序列化票据失败: %w", err)
	}

	var flags byte
	if c.threshold > 0 && len(payload) > c.threshold {
		payload = c.zenc.EncodeAll(payload, nil)
		flags |= flagCompressed
	}
	if c.cipher != nil {
		payload, err = c.cipher.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("加密票据失败: %w", err)
		}
		flags |= flagEncrypted
	}

	out := make([]byte, 0, len(payload)+2)
	out = append(out, formatVersion, flags)
	return append(out, payload...), nil
}

// Decode 解码票据
func (c *Codec) Decode(data []byte) (*model.Ticket, error) {
	if len(data) < 2 || data[0] != formatVersion {
		return nil, ErrCorrupted
	}
	flags, payload := data[1], data[2:]

	var err error
	if flags&flagEncrypted != 0 {
		if c.cipher == nil {
			return nil, fmt.Errorf("%w: 未配置解密密钥", ErrDecrypt)
		}
		if payload, err = c.cipher.Decrypt(payload); err != nil {
			return nil, err
		}
	}
	if flags&flagCompressed != 0 {
		if payload, err = c.zdec.DecodeAll(payload, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	}

	var t model.Ticket
	if err := c.dec.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	normalizeTimes(&t)
	return &t, nil
}

// StorageKey 票据的存储键：<前缀>:<ID 或 ID 摘要>
// 保留前缀以便按类型扫描。
func (c *Codec) StorageKey(id string) string {
	if c.cipher == nil {
		return id
	}
	prefix, _, _ := strings.Cut(id, "-")
	return prefix + ":" + c.cipher.Digest(id)
}

// Encrypted 是否启用加密
func (c *Codec) Encrypted() bool {
	return c.cipher != nil
}

// Close 释放压缩器资源
func (c *Codec) Close() {
	c.zdec.Close()
	_ = c.zenc.Close()
}

// normalizeTimes 解码后的时间统一为 UTC
func normalizeTimes(t *model.Ticket) {
	t.CreationTime = utc(t.CreationTime)
	t.LastTimeUsed = utc(t.LastTimeUsed)
	t.PreviousTimeUsed = utc(t.PreviousTimeUsed)
	if t.Authentication != nil {
		t.Authentication.AuthenticatedAt = utc(t.Authentication.AuthenticatedAt)
	}
}

func utc(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	return ts.UTC()
}

// SealRef 索引中保存的票据引用，启用加密时不落明文 ID
func (c *Codec) SealRef(id string) (string, error) {
	if c.cipher == nil {
		return id, nil
	}
	sealed, err := c.cipher.Encrypt([]byte(id))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenRef 还原 SealRef 生成的引用
func (c *Codec) OpenRef(ref string) (string, error) {
	if c.cipher == nil {
		return ref, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := c.cipher.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// KeyPattern 某个前缀的票据存储键匹配模式
func (c *Codec) KeyPattern(prefix string) string {
	if c.cipher == nil {
		return prefix + "-*"
	}
	return prefix + ":*"
}

// IDFromKey 未加密时由存储键还原票据 ID
func (c *Codec) IDFromKey(key string) (string, bool) {
	if c.cipher != nil {
		return "", false
	}
	return key, true
}
