package registry

import (
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Stream 票据流，用法与 sql.Rows 相同：
//
//	s, err := reg.Stream(ctx, c)
//	if err != nil { ... }
//	defer s.Close()
//	for s.Next() { t := s.Ticket() }
//	if err := s.Err(); err != nil { ... }
//
// 由数据库游标或 Redis SCAN 支撑的流只能消费一次。
type Stream interface {
	Next() bool
	Ticket() *model.Ticket
	Err() error
	Close() error
}

// sliceStream 基于内存快照的流
type sliceStream struct {
	items []*model.Ticket
	pos   int
	cur   *model.Ticket
}

func newSliceStream(items []*model.Ticket) *sliceStream {
	return &sliceStream{items: items}
}

func (s *sliceStream) Next() bool {
	if s.pos >= len(s.items) {
		s.cur = nil
		return false
	}
	s.cur = s.items[s.pos]
	s.pos++
	return true
}

func (s *sliceStream) Ticket() *model.Ticket { return s.cur }
func (s *sliceStream) Err() error            { return nil }

func (s *sliceStream) Close() error {
	s.items = nil
	s.pos = 0
	return nil
}

// filterStream 在底层流之上执行客户端过滤与分页
type filterStream struct {
	inner    Stream
	criteria Criteria
	now      time.Time
	skipped  int64
	emitted  int64
	cur      *model.Ticket
}

func (s *filterStream) Next() bool {
	for {
		if s.criteria.Count > 0 && s.emitted >= s.criteria.Count {
			s.cur = nil
			return false
		}
		if !s.inner.Next() {
			s.cur = nil
			return false
		}
		t := s.inner.Ticket()
		if !s.criteria.Matches(t, s.now) {
			continue
		}
		if s.skipped < s.criteria.From {
			s.skipped++
			continue
		}
		s.emitted++
		s.cur = t
		return true
	}
}

func (s *filterStream) Ticket() *model.Ticket { return s.cur }
func (s *filterStream) Err() error            { return s.inner.Err() }
func (s *filterStream) Close() error          { return s.inner.Close() }

// Collect 读取流中全部票据并关闭流
func Collect(s Stream) ([]*model.Ticket, error) {
	defer s.Close()
	var out []*model.Ticket
	for s.Next() {
		out = append(out, s.Ticket())
	}
	return out, s.Err()
}
