package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/event"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const (
	defaultUpdateRetries = 5
	removeBatchSize      = 100
)

// Option 注册表选项
type Option func(*ticketRegistry)

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(r *ticketRegistry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithPublisher 设置事件发布者
func WithPublisher(p event.Publisher) Option {
	return func(r *ticketRegistry) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(r *ticketRegistry) { r.now = now }
}

// WithPurgeOnRead 读取到过期票据时是否立即删除
func WithPurgeOnRead(purge bool) Option {
	return func(r *ticketRegistry) { r.purgeOnRead = purge }
}

// WithUpdateRetries 乐观锁冲突时的最大重试次数
func WithUpdateRetries(n int) Option {
	return func(r *ticketRegistry) {
		if n >= 0 {
			r.updateRetries = n
		}
	}
}

type ticketRegistry struct {
	store         Store
	log           *zap.Logger
	publisher     event.Publisher
	now           func() time.Time
	purgeOnRead   bool
	updateRetries int
}

// New 基于存储后端创建注册表
func New(store Store, opts ...Option) Registry {
	r := &ticketRegistry{
		store:         store,
		log:           zap.NewNop(),
		publisher:     event.Nop,
		now:           time.Now,
		purgeOnRead:   false,
		updateRetries: defaultUpdateRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("store", store.Name()))
	return r
}

// AddTicket 新增票据
func (r *ticketRegistry) AddTicket(ctx context.Context, t *model.Ticket) error {
	stored := t.Clone()
	stored.Version = 1
	if err := r.store.Insert(ctx, stored); err != nil {
		if errors.Is(err, ErrTicketAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrTicketAlreadyExists, t.ID)
		}
		return fmt.Errorf("存储票据失败: %w", err)
	}
	t.Version = stored.Version
	r.publish(ctx, event.TicketCreated, stored)
	return nil
}

// GetTicket 获取有效票据
func (r *ticketRegistry) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := r.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			return nil, model.NewInvalidTicketError(id, model.ReasonNotFound)
		}
		return nil, fmt.Errorf("读取票据失败: %w", err)
	}
	if t.IsExpired(r.now()) {
		if r.purgeOnRead {
			if _, err := r.DeleteTicket(ctx, id); err != nil {
				r.log.Warn("删除过期票据失败", zap.String("ticket_id", id), zap.Error(err))
			}
		}
		return nil, model.NewInvalidTicketError(id, model.ReasonExpired)
	}
	return t, nil
}

// GetTicketOfKind 获取指定类型的有效票据
func (r *ticketRegistry) GetTicketOfKind(ctx context.Context, id string, kind model.Kind) (*model.Ticket, error) {
	t, err := r.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind != kind {
		return nil, &model.TypeMismatchError{ID: id, Expected: kind, Actual: t.Kind}
	}
	return t, nil
}

// Exists 直接读取存储，不触发读取时清理
func (r *ticketRegistry) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.store.Load(ctx, id)
	if errors.Is(err, ErrTicketNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("读取票据失败: %w", err)
	}
	return true, nil
}

// GetTicketMatching 获取满足条件的有效票据
func (r *ticketRegistry) GetTicketMatching(ctx context.Context, id string, pred Predicate) (*model.Ticket, error) {
	t, err := r.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if pred != nil && !pred(t) {
		return nil, model.NewInvalidTicketError(id, model.ReasonPredicate)
	}
	return t, nil
}

// UpdateTicket 整体替换票据
func (r *ticketRegistry) UpdateTicket(ctx context.Context, t *model.Ticket) (*model.Ticket, error) {
	stored := t.Clone()
	version, err := r.store.Replace(ctx, stored, AnyVersion)
	if err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			return nil, model.NewInvalidTicketError(t.ID, model.ReasonNotFound)
		}
		return nil, fmt.Errorf("更新票据失败: %w", err)
	}
	stored.Version = version
	t.Version = version
	r.publish(ctx, event.TicketUpdated, stored)
	return stored, nil
}

// Modify 读-改-写
// fn 在每次重试时都会基于最新读取的票据重新执行。
func (r *ticketRegistry) Modify(ctx context.Context, id string, fn func(*model.Ticket) error) (*model.Ticket, error) {
	for attempt := 0; attempt <= r.updateRetries; attempt++ {
		t, err := r.GetTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		expected := t.Version
		version, err := r.store.Replace(ctx, t, expected)
		switch {
		case err == nil:
			t.Version = version
			r.publish(ctx, event.TicketUpdated, t)
			return t, nil
		case errors.Is(err, ErrVersionConflict):
			r.log.Debug("票据版本冲突，重试",
				zap.String("ticket_id", id),
				zap.Int64("version", expected),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, ErrTicketNotFound):
			return nil, model.NewInvalidTicketError(id, model.ReasonNotFound)
		default:
			return nil, fmt.Errorf("更新票据失败: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentUpdate, id)
}

// DeleteTicket 删除票据及全部后代
// 先删后代再删根，中途失败时根票据仍在，可再次删除；已删除的后代不计数。
func (r *ticketRegistry) DeleteTicket(ctx context.Context, id string) (int, error) {
	root, err := r.store.Load(ctx, id)
	if err != nil && !errors.Is(err, ErrTicketNotFound) {
		return 0, fmt.Errorf("读取票据失败: %w", err)
	}

	ids, err := r.descendants(ctx, id)
	if err != nil {
		return 0, err
	}

	removed := 0
	for end := len(ids); end > 0; end -= removeBatchSize {
		start := end - removeBatchSize
		if start < 0 {
			start = 0
		}
		n, err := r.store.Remove(ctx, ids[start:end]...)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("删除后代票据失败: %w", err)
		}
	}
	n, err := r.store.Remove(ctx, id)
	removed += n
	if err != nil {
		return removed, fmt.Errorf("删除票据失败: %w", err)
	}

	if root != nil && n > 0 {
		r.publish(ctx, event.TicketDestroyed, root)
	}
	if len(ids) > 0 {
		r.log.Debug("级联删除票据",
			zap.String("ticket_id", id),
			zap.Int("descendants", len(ids)),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// descendants 广度优先收集全部后代 ID
func (r *ticketRegistry) descendants(ctx context.Context, id string) ([]string, error) {
	visited := map[string]struct{}{id: {}}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := r.store.Children(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("读取子票据失败: %w", err)
		}
		for _, c := range children {
			if _, ok := visited[c]; ok {
				continue
			}
			visited[c] = struct{}{}
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

// DeleteAll 清空注册表
func (r *ticketRegistry) DeleteAll(ctx context.Context) (int, error) {
	n, err := r.store.Clear(ctx)
	if err != nil {
		return n, fmt.Errorf("清空票据失败: %w", err)
	}
	r.log.Info("已清空票据注册表", zap.Int("count", n))
	return n, nil
}

// GetTickets 返回全部票据，包含已过期票据
func (r *ticketRegistry) GetTickets(ctx context.Context) ([]*model.Ticket, error) {
	return r.Query(ctx, Criteria{Decode: true})
}

// GetTicketsMatching 返回满足条件的票据
func (r *ticketRegistry) GetTicketsMatching(ctx context.Context, pred Predicate) ([]*model.Ticket, error) {
	return r.Query(ctx, Criteria{Decode: true, Predicate: pred})
}

// Stream 流式读取
func (r *ticketRegistry) Stream(ctx context.Context, c Criteria) (Stream, error) {
	inner, err := r.store.Scan(ctx, c.storeCriteria())
	if err != nil {
		return nil, fmt.Errorf("查询票据失败: %w", err)
	}
	fc := c
	if !c.clientSide() {
		// 分页已下推到存储层
		fc.From, fc.Count = 0, 0
	}
	return &filterStream{inner: inner, criteria: fc, now: r.now()}, nil
}

// Query 一次性读取
func (r *ticketRegistry) Query(ctx context.Context, c Criteria) ([]*model.Ticket, error) {
	s, err := r.Stream(ctx, c)
	if err != nil {
		return nil, err
	}
	return Collect(s)
}

// SessionCount TGT 数量，包含已过期但尚未清理的
func (r *ticketRegistry) SessionCount(ctx context.Context) (int64, error) {
	return r.store.Count(ctx, model.KindTicketGrantingTicket)
}

// ServiceTicketCount ST 数量
func (r *ticketRegistry) ServiceTicketCount(ctx context.Context) (int64, error) {
	return r.store.Count(ctx, model.KindServiceTicket)
}

// CountSessionsFor 指定主体的 TGT 数量
func (r *ticketRegistry) CountSessionsFor(ctx context.Context, principalID string) (int64, error) {
	n, err := r.store.CountByPrincipal(ctx, principalID)
	if !errors.Is(err, ErrCountUnsupported) {
		return n, err
	}

	// 后端不支持时逐条统计
	n = 0
	s, err := r.Stream(ctx, Criteria{Kind: model.KindTicketGrantingTicket, PrincipalID: principalID, Decode: true})
	if err != nil {
		return 0, err
	}
	defer s.Close()
	for s.Next() {
		n++
	}
	return n, s.Err()
}

func (r *ticketRegistry) publish(ctx context.Context, typ event.Type, t *model.Ticket) {
	if err := r.publisher.Publish(ctx, event.New(typ, t, r.now())); err != nil {
		r.log.Warn("发布票据事件失败",
			zap.String("type", string(typ)),
			zap.String("ticket_id", t.ID),
			zap.Error(err),
		)
	}
}
