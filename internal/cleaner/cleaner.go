// Package cleaner 过期票据清理
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
)

const defaultBatchSize = 500

// State 清理器状态
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateCleaning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateCleaning:
		return "CLEANING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler 票据销毁前的清理动作，例如单点登出通知
type Handler interface {
	CleanTicket(ctx context.Context, t *model.Ticket) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, t *model.Ticket) error

// CleanTicket 执行清理动作
func (f HandlerFunc) CleanTicket(ctx context.Context, t *model.Ticket) error {
	return f(ctx, t)
}

// NopHandler 默认清理动作
var NopHandler Handler = HandlerFunc(func(context.Context, *model.Ticket) error { return nil })

// Stats 单次清理的统计
type Stats struct {
	Scanned  int           `json:"scanned"`
	Removed  int           `json:"removed"`
	Failed   int           `json:"failed"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Option 清理器选项
type Option func(*Cleaner)

// WithHandler 设置清理动作
func WithHandler(h Handler) Option {
	return func(c *Cleaner) {
		if h != nil {
			c.handler = h
		}
	}
}

// WithLocker 设置分布式锁
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(c *Cleaner) {
		if l != nil {
			c.locker = l
		}
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(c *Cleaner) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

// WithBatchSize 每批处理的票据数
func WithBatchSize(n int) Option {
	return func(c *Cleaner) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// Cleaner 过期票据清理器
// 状态流转 IDLE -> SCANNING -> CLEANING -> IDLE，同一实例同时只运行一次清理。
type Cleaner struct {
	registry  registry.Registry
	handler   Handler
	locker    Locker
	lockTTL   time.Duration
	log       *zap.Logger
	now       func() time.Time
	batchSize int

	run   sync.Mutex
	state atomic.Int32
}

// New 创建清理器
func New(reg registry.Registry, opts ...Option) *Cleaner {
	c := &Cleaner{
		registry:  reg,
		handler:   NopHandler,
		locker:    NopLocker{},
		lockTTL:   time.Minute,
		log:       zap.NewNop(),
		now:       time.Now,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State 当前状态
func (c *Cleaner) State() State {
	return State(c.state.Load())
}

func (c *Cleaner) setState(s State) {
	c.state.Store(int32(s))
}

// Clean 清理全部过期票据，返回删除的票据数（含级联删除的后代）
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	stats, err := c.Sweep(ctx)
	return stats.Removed, err
}

// Sweep 执行一次清理并返回统计
// 单个票据的清理或删除失败只记录日志，不中断本次清理。
func (c *Cleaner) Sweep(ctx context.Context) (Stats, error) {
	c.run.Lock()
	defer c.run.Unlock()

	var stats Stats
	start := time.Now()

	release, ok, err := c.locker.Acquire(ctx, c.lockTTL)
	if err != nil {
		return stats, fmt.Errorf("获取清理锁失败: %w", err)
	}
	if !ok {
		c.log.Debug("其他节点正在清理，跳过本次清理")
		stats.Skipped = true
		return stats, nil
	}
	defer release()
	defer c.setState(StateIdle)

	now := c.now()
	c.setState(StateScanning)
	s, err := c.registry.Stream(ctx, registry.Criteria{ExpiredAt: now, Decode: true})
	if err != nil {
		return stats, fmt.Errorf("查询过期票据失败: %w", err)
	}
	defer s.Close()

	batch := make([]*model.Ticket, 0, c.batchSize)
	for {
		batch = batch[:0]
		c.setState(StateScanning)
		for len(batch) < c.batchSize && s.Next() {
			batch = append(batch, s.Ticket())
		}
		if len(batch) == 0 {
			break
		}
		stats.Scanned += len(batch)

		c.setState(StateCleaning)
		for _, t := range batch {
			if err := ctx.Err(); err != nil {
				stats.Duration = time.Since(start)
				return stats, err
			}
			c.cleanOne(ctx, t, &stats)
		}
	}
	if err := s.Err(); err != nil {
		return stats, fmt.Errorf("遍历过期票据失败: %w", err)
	}

	stats.Duration = time.Since(start)
	c.log.Info("过期票据清理完成",
		zap.Int("scanned", stats.Scanned),
		zap.Int("removed", stats.Removed),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// cleanOne 清理单个票据
// 清理动作失败时票据仍然删除，避免过期票据一直残留。
// 已随上级票据级联删除的票据不再执行清理动作。
func (c *Cleaner) cleanOne(ctx context.Context, t *model.Ticket, stats *Stats) {
	exists, err := c.registry.Exists(ctx, t.ID)
	if err != nil {
		c.log.Warn("检查票据是否存在失败", zap.String("ticket_id", t.ID), zap.Error(err))
	} else if !exists {
		c.log.Debug("票据已被级联删除，跳过", zap.String("ticket_id", t.ID))
		return
	}

	if err := c.handler.CleanTicket(ctx, t); err != nil {
		stats.Failed++
		c.log.Error("票据清理动作失败",
			zap.String("ticket_id", t.ID),
			zap.String("kind", string(t.Kind)),
			zap.Error(err),
		)
	}
	n, err := c.registry.DeleteTicket(ctx, t.ID)
	stats.Removed += n
	if err != nil {
		stats.Failed++
		c.log.Error("删除过期票据失败",
			zap.String("ticket_id", t.ID),
			zap.Error(err),
		)
	}
}

// Run 按固定间隔清理，直到 ctx 取消
func (c *Cleaner) Run(ctx context.Context, startDelay, interval time.Duration) {
	timer := time.NewTimer(startDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("过期票据清理失败", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
