// Package catalog 票据定义目录
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

var (
	ErrInvalidTicketType = errors.New("未定义的票据类型")
	ErrInvalidDefinition = errors.New("票据定义无效")
)

// Storage 票据在后端存储中的命名空间与超时
type Storage struct {
	Name    string        // 命名空间，例如 Redis 键前缀或缓存名
	Timeout time.Duration // 存储层保留时长上限，0 表示只按过期策略计算
}

// Definition 一种票据类型的元数据
type Definition struct {
	Kind    model.Kind
	Prefix  string
	Policy  *expiration.Policy
	Storage Storage
	Order   int
}

// Catalog 票据定义目录，启动时注册，运行期只读
type Catalog struct {
	mu       sync.RWMutex
	byKind   map[model.Kind]*Definition
	byPrefix map[string]*Definition
}

// New 创建空目录
func New() *Catalog {
	return &Catalog{
		byKind:   make(map[model.Kind]*Definition),
		byPrefix: make(map[string]*Definition),
	}
}

// Register 注册票据定义，同类型重复注册时覆盖旧定义
func (c *Catalog) Register(def Definition) error {
	if def.Kind == "" {
		return fmt.Errorf("%w: 缺少票据类型", ErrInvalidDefinition)
	}
	if def.Prefix == "" || strings.ContainsAny(def.Prefix, "-,") {
		return fmt.Errorf("%w: %s 前缀 %q 不合法", ErrInvalidDefinition, def.Kind, def.Prefix)
	}
	if err := def.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.Kind, err)
	}
	if def.Storage.Name == "" {
		def.Storage.Name = strings.ToLower(def.Prefix) + "Cache"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if other, ok := c.byPrefix[def.Prefix]; ok && other.Kind != def.Kind {
		return fmt.Errorf("%w: 前缀 %s 已被 %s 使用", ErrInvalidDefinition, def.Prefix, other.Kind)
	}
	if old, ok := c.byKind[def.Kind]; ok {
		delete(c.byPrefix, old.Prefix)
	}
	d := def
	c.byKind[def.Kind] = &d
	c.byPrefix[def.Prefix] = &d
	return nil
}

// Find 按票据类型查找定义
func (c *Catalog) Find(kind model.Kind) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTicketType, kind)
	}
	return def, nil
}

// FindByPrefix 按前缀查找定义
func (c *Catalog) FindByPrefix(prefix string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.byPrefix[prefix]
	if !ok {
		return nil, fmt.Errorf("%w: 前缀 %s", ErrInvalidTicketType, prefix)
	}
	return def, nil
}

// FindByTicketID 按票据 ID 的前缀查找定义
func (c *Catalog) FindByTicketID(id string) (*Definition, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return nil, fmt.Errorf("%w: 票据 ID %q 缺少前缀", ErrInvalidTicketType, id)
	}
	return c.FindByPrefix(prefix)
}

// Definitions 按 Order 排序返回全部定义
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	defs := make([]Definition, 0, len(c.byKind))
	for _, d := range c.byKind {
		defs = append(defs, *d)
	}
	c.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Order != defs[j].Order {
			return defs[i].Order < defs[j].Order
		}
		return defs[i].Kind < defs[j].Kind
	})
	return defs
}

// Validate 检查必需的票据类型是否都已注册
func (c *Catalog) Validate(required ...model.Kind) error {
	if len(required) == 0 {
		required = model.Kinds
	}
	var missing []string
	for _, k := range required {
		if _, err := c.Find(k); err != nil {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: 缺少 %s", ErrInvalidTicketType, strings.Join(missing, ", "))
	}
	return nil
}
