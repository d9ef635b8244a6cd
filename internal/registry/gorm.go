package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// TicketRecord 票据表
// 启用加密时 ID、ParentKey、PrincipalKey 均为摘要，Ref 为密文引用。
type TicketRecord struct {
	ID           string     `gorm:"primaryKey;size:191" json:"id"`
	Ref          string     `gorm:"size:512;not null" json:"ref"`
	Kind         string     `gorm:"size:16;not null;index" json:"kind"`
	ParentKey    string     `gorm:"size:191;index" json:"parent_key"`
	PrincipalKey string     `gorm:"size:191;index" json:"principal_key"`
	Body         []byte     `gorm:"not null" json:"-"`
	Version      int64      `gorm:"not null;default:1" json:"version"`
	ExpiresAt    *time.Time `gorm:"index" json:"expires_at"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (TicketRecord) TableName() string {
	return "cas_tickets"
}

// GormStore 基于关系数据库的存储，支持 PostgreSQL 与 MySQL
type GormStore struct {
	db      *gorm.DB
	codec   *codec.Codec
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewGormStore 创建数据库存储，cat 为空时 expires_at 只按过期策略计算
func NewGormStore(db *gorm.DB, c *codec.Codec, cat *catalog.Catalog) *GormStore {
	return &GormStore{db: db, codec: c, catalog: cat, now: time.Now}
}

// Name 后端名称
func (s *GormStore) Name() string { return "database" }

// Migrate 创建或更新票据表
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&TicketRecord{})
}

func (s *GormStore) principalKey(t *model.Ticket) string {
	pid := t.PrincipalID()
	if pid == "" {
		return ""
	}
	if s.codec.Encrypted() {
		return s.codec.StorageKey(pid)
	}
	return pid
}

func (s *GormStore) parentKey(t *model.Ticket) string {
	if t.ParentID == "" {
		return ""
	}
	return s.codec.StorageKey(t.ParentID)
}

// expiresAt 票据最早可能过期的时间，nil 表示永不过期
func (s *GormStore) expiresAt(t *model.Ticket, now time.Time) *time.Time {
	if t.IsExpired(now) {
		return &now
	}
	ttl := storageTimeout(s.catalog, t, now)
	if ttl == 0 {
		return nil
	}
	at := now.Add(ttl)
	return &at
}

func (s *GormStore) record(t *model.Ticket) (*TicketRecord, error) {
	body, err := s.codec.Encode(t)
	if err != nil {
		return nil, err
	}
	ref, err := s.codec.SealRef(t.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &TicketRecord{
		ID:           s.codec.StorageKey(t.ID),
		Ref:          ref,
		Kind:         string(t.Kind),
		ParentKey:    s.parentKey(t),
		PrincipalKey: s.principalKey(t),
		Body:         body,
		Version:      t.Version,
		ExpiresAt:    s.expiresAt(t, now),
		CreatedAt:    t.CreationTime,
		UpdatedAt:    now,
	}, nil
}

// Insert 插入新票据
func (s *GormStore) Insert(ctx context.Context, t *model.Ticket) error {
	rec, err := s.record(t)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return fmt.Errorf("写入票据表失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTicketAlreadyExists
	}
	return nil
}

// Load 读取票据
func (s *GormStore) Load(ctx context.Context, id string) (*model.Ticket, error) {
	var rec TicketRecord
	err := s.db.WithContext(ctx).Where("id = ?", s.codec.StorageKey(id)).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return s.decode(&rec)
}

func (s *GormStore) decode(rec *TicketRecord) (*model.Ticket, error) {
	t, err := s.codec.Decode(rec.Body)
	if err != nil {
		return nil, err
	}
	// 版本号以列为准
	t.Version = rec.Version
	return t, nil
}

// Replace 整体替换
func (s *GormStore) Replace(ctx context.Context, t *model.Ticket, expected int64) (int64, error) {
	if expected != AnyVersion {
		return s.replaceIfVersion(ctx, t, expected)
	}

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur TicketRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "version").
			Where("id = ?", s.codec.StorageKey(t.ID)).
			First(&cur).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		next := t.Clone()
		next.Version = cur.Version + 1
		if err := s.update(tx, next, cur.Version); err != nil {
			return err
		}
		version = next.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *GormStore) replaceIfVersion(ctx context.Context, t *model.Ticket, expected int64) (int64, error) {
	next := t.Clone()
	next.Version = expected + 1
	err := s.update(s.db.WithContext(ctx), next, expected)
	if errors.Is(err, ErrVersionConflict) {
		var n int64
		if cerr := s.db.WithContext(ctx).Model(&TicketRecord{}).
			Where("id = ?", s.codec.StorageKey(t.ID)).
			Count(&n).Error; cerr != nil {
			return 0, cerr
		}
		if n == 0 {
			return 0, ErrTicketNotFound
		}
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return next.Version, nil
}

// update 带版本条件的更新，影响行数为 0 时返回 ErrVersionConflict
func (s *GormStore) update(db *gorm.DB, next *model.Ticket, expected int64) error {
	rec, err := s.record(next)
	if err != nil {
		return err
	}
	result := db.Model(&TicketRecord{}).
		Where("id = ? AND version = ?", rec.ID, expected).
		Updates(map[string]any{
			"principal_key": rec.PrincipalKey,
			"body":          rec.Body,
			"version":       rec.Version,
			"expires_at":    rec.ExpiresAt,
			"updated_at":    rec.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("更新票据表失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Remove 删除票据
func (s *GormStore) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.codec.StorageKey(id)
	}
	result := s.db.WithContext(ctx).Where("id IN ?", keys).Delete(&TicketRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("删除票据失败: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// Children 直接子票据
func (s *GormStore) Children(ctx context.Context, id string) ([]string, error) {
	var refs []string
	err := s.db.WithContext(ctx).Model(&TicketRecord{}).
		Where("parent_key = ?", s.codec.StorageKey(id)).
		Order("id").
		Pluck("ref", &refs).Error
	if err != nil {
		return nil, fmt.Errorf("查询子票据失败: %w", err)
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		child, err := s.codec.OpenRef(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// query 把条件转换为查询
func (s *GormStore) query(ctx context.Context, c Criteria) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&TicketRecord{})
	if c.Kind != "" {
		q = q.Where("kind = ?", string(c.Kind))
	}
	if c.PrincipalID != "" {
		key := c.PrincipalID
		if s.codec.Encrypted() {
			key = s.codec.StorageKey(c.PrincipalID)
		}
		q = q.Where("principal_key = ?", key)
	}
	if !c.ExpiredAt.IsZero() {
		// 写入时存储超时最少保留一秒，这里放宽一秒，精确判断交给客户端
		q = q.Where("expires_at <= ?", c.ExpiredAt.Add(time.Second))
	}
	return q
}

// Scan 基于数据库游标的流式读取
func (s *GormStore) Scan(ctx context.Context, c Criteria) (Stream, error) {
	q := s.query(ctx, c).Order("created_at").Order("id")
	if c.Decode {
		q = q.Select("id", "version", "body")
	} else {
		q = q.Select("id", "ref", "kind")
	}
	if c.From > 0 {
		q = q.Offset(int(c.From))
	}
	if c.Count > 0 {
		q = q.Limit(int(c.Count))
	}
	rows, err := q.Rows()
	if err != nil {
		return nil, fmt.Errorf("查询票据表失败: %w", err)
	}
	return &gormStream{store: s, db: q, rows: rows, decode: c.Decode}, nil
}

// Count 指定类型的票据数量
func (s *GormStore) Count(ctx context.Context, kind model.Kind) (int64, error) {
	var n int64
	err := s.query(ctx, Criteria{Kind: kind}).Count(&n).Error
	return n, err
}

// CountByPrincipal 指定主体的 TGT 数量
func (s *GormStore) CountByPrincipal(ctx context.Context, principalID string) (int64, error) {
	var n int64
	err := s.query(ctx, Criteria{Kind: model.KindTicketGrantingTicket, PrincipalID: principalID}).Count(&n).Error
	return n, err
}

// Clear 清空票据表
func (s *GormStore) Clear(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).Where("1 = 1").Delete(&TicketRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// gormStream 数据库游标流
type gormStream struct {
	store  *GormStore
	db     *gorm.DB
	rows   *sql.Rows
	decode bool
	cur    *model.Ticket
	err    error
}

func (g *gormStream) Next() bool {
	g.cur = nil
	if g.err != nil || g.rows == nil {
		return false
	}
	if !g.rows.Next() {
		g.err = g.rows.Err()
		return false
	}
	var rec TicketRecord
	if err := g.db.ScanRows(g.rows, &rec); err != nil {
		g.err = err
		return false
	}
	if g.decode {
		t, err := g.store.decode(&rec)
		if err != nil {
			g.err = err
			return false
		}
		g.cur = t
		return true
	}
	id, err := g.store.codec.OpenRef(rec.Ref)
	if err != nil {
		g.err = err
		return false
	}
	g.cur = &model.Ticket{ID: id, Kind: model.Kind(rec.Kind)}
	return true
}

func (g *gormStream) Ticket() *model.Ticket { return g.cur }
func (g *gormStream) Err() error            { return g.err }

func (g *gormStream) Close() error {
	if g.rows == nil {
		return nil
	}
	err := g.rows.Close()
	g.rows = nil
	return err
}
