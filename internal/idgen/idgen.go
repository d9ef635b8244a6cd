// Package idgen 票据 ID 生成
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const defaultRandomLength = 20

// Generator 唯一票据 ID 生成器
type Generator interface {
	NewTicketID(prefix string) string
}

// DefaultGenerator 生成 <前缀>-<序号>-<随机串>[-<后缀>] 格式的 ID
type DefaultGenerator struct {
	seq          atomic.Uint64
	suffix       string
	randomLength int
}

// NewDefaultGenerator 创建默认生成器，suffix 通常为节点名
func NewDefaultGenerator(suffix string, randomLength int) *DefaultGenerator {
	if randomLength <= 0 {
		randomLength = defaultRandomLength
	}
	return &DefaultGenerator{
		suffix:       strings.ReplaceAll(suffix, ",", ""),
		randomLength: randomLength,
	}
}

// NewTicketID 生成票据 ID
func (g *DefaultGenerator) NewTicketID(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(g.seq.Add(1), 10))
	b.WriteByte('-')
	b.WriteString(randomString(g.randomLength))
	if g.suffix != "" {
		b.WriteByte('-')
		b.WriteString(g.suffix)
	}
	return b.String()
}

// randomString 由 UUID 的十六进制字符拼接出指定长度的随机串
func randomString(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}

// Parse 拆分票据 ID 的前缀、序号、随机串与后缀
func Parse(id string) (prefix, seq, random, suffix string, ok bool) {
	parts := strings.SplitN(id, "-", 4)
	if len(parts) < 3 {
		return "", "", "", "", false
	}
	prefix, seq, random = parts[0], parts[1], parts[2]
	if len(parts) == 4 {
		suffix = parts[3]
	}
	return prefix, seq, random, suffix, true
}
