package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const defaultShards = 32

// MemoryStore 进程内存储
// 按 ID 分片加锁，不同 ID 的读写互不阻塞；读写都以深拷贝隔离，读取方不会看到写了一半的票据。
// 多副本部署时不能使用。
type MemoryStore struct {
	shards []*memoryShard
}

type memoryShard struct {
	mu       sync.RWMutex
	tickets  map[string]*model.Ticket
	children map[string]map[string]struct{}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &MemoryStore{shards: make([]*memoryShard, shards)}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			tickets:  make(map[string]*model.Ticket),
			children: make(map[string]map[string]struct{}),
		}
	}
	return s
}

func (s *MemoryStore) shard(id string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Name 后端名称
func (s *MemoryStore) Name() string { return "memory" }

// Insert 插入新票据
func (s *MemoryStore) Insert(_ context.Context, t *model.Ticket) error {
	sh := s.shard(t.ID)
	sh.mu.Lock()
	if _, ok := sh.tickets[t.ID]; ok {
		sh.mu.Unlock()
		return ErrTicketAlreadyExists
	}
	sh.tickets[t.ID] = t.Clone()
	sh.mu.Unlock()

	if t.ParentID != "" {
		s.indexChild(t.ParentID, t.ID)
	}
	return nil
}

// indexChild 登记子票据，父票据已被删除时不再登记，避免索引残留
func (s *MemoryStore) indexChild(parentID, id string) {
	ps := s.shard(parentID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.tickets[parentID]; !ok {
		return
	}
	set, ok := ps.children[parentID]
	if !ok {
		set = make(map[string]struct{})
		ps.children[parentID] = set
	}
	set[id] = struct{}{}
}

// Load 读取票据
func (s *MemoryStore) Load(_ context.Context, id string) (*model.Ticket, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	t, ok := sh.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return t.Clone(), nil
}

// Replace 整体替换
func (s *MemoryStore) Replace(_ context.Context, t *model.Ticket, expected int64) (int64, error) {
	sh := s.shard(t.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.tickets[t.ID]
	if !ok {
		return 0, ErrTicketNotFound
	}
	if expected != AnyVersion && cur.Version != expected {
		return 0, ErrVersionConflict
	}
	next := t.Clone()
	next.Version = cur.Version + 1
	sh.tickets[t.ID] = next
	return next.Version, nil
}

// Remove 删除票据
func (s *MemoryStore) Remove(_ context.Context, ids ...string) (int, error) {
	removed := 0
	for _, id := range ids {
		sh := s.shard(id)
		sh.mu.Lock()
		t, ok := sh.tickets[id]
		if ok {
			delete(sh.tickets, id)
			removed++
		}
		delete(sh.children, id)
		sh.mu.Unlock()

		if ok && t.ParentID != "" {
			ps := s.shard(t.ParentID)
			ps.mu.Lock()
			if set, ok := ps.children[t.ParentID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(ps.children, t.ParentID)
				}
			}
			ps.mu.Unlock()
		}
	}
	return removed, nil
}

// Children 直接子票据
func (s *MemoryStore) Children(_ context.Context, id string) ([]string, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.children[id]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Scan 基于快照的流式读取
func (s *MemoryStore) Scan(_ context.Context, c Criteria) (Stream, error) {
	var items []*model.Ticket
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, t := range sh.tickets {
			if c.Kind != "" && t.Kind != c.Kind {
				continue
			}
			if c.PrincipalID != "" && t.PrincipalID() != c.PrincipalID {
				continue
			}
			if c.Decode {
				items = append(items, t.Clone())
			} else {
				items = append(items, &model.Ticket{ID: t.ID, Kind: t.Kind})
			}
		}
		sh.mu.RUnlock()
	}
	// 按创建时间排序，分页结果稳定
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreationTime.Equal(items[j].CreationTime) {
			return items[i].CreationTime.Before(items[j].CreationTime)
		}
		return items[i].ID < items[j].ID
	})
	return newSliceStream(page(items, c.From, c.Count)), nil
}

// Count 指定类型的票据数量
func (s *MemoryStore) Count(_ context.Context, kind model.Kind) (int64, error) {
	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, t := range sh.tickets {
			if t.Kind == kind {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n, nil
}

// CountByPrincipal 指定主体的 TGT 数量
func (s *MemoryStore) CountByPrincipal(_ context.Context, principalID string) (int64, error) {
	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, t := range sh.tickets {
			if t.Kind == model.KindTicketGrantingTicket && t.PrincipalID() == principalID {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n, nil
}

// Clear 清空
func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.tickets)
		sh.tickets = make(map[string]*model.Ticket)
		sh.children = make(map[string]map[string]struct{})
		sh.mu.Unlock()
	}
	return n, nil
}

func page(items []*model.Ticket, from, count int64) []*model.Ticket {
	if from > 0 {
		if from >= int64(len(items)) {
			return nil
		}
		items = items[from:]
	}
	if count > 0 && count < int64(len(items)) {
		items = items[:count]
	}
	return items
}
