package events

import (
	"context"
	"errors"
	"sync"

	"IntentArena/internal/ledger"
)

// MemoryLog 在内存中按顺序保存账本事件，支持按意图查询与回放。
type MemoryLog struct {
	mu     sync.RWMutex
	events []ledger.Event
	limit  int
}

// NewMemoryLog 创建内存事件日志。limit<=0 表示不限制条数。
func NewMemoryLog(limit int) *MemoryLog {
	return &MemoryLog{limit: limit}
}

// Publish 实现 ledger.EventSink。
func (m *MemoryLog) Publish(_ context.Context, ev ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]ledger.Event(nil), m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Since 返回序号大于 seq 的事件。
func (m *MemoryLog) Since(seq uint64) []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Event, 0)
	for _, ev := range m.events {
		if ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// ForIntent 返回单个意图相关的全部事件。
func (m *MemoryLog) ForIntent(id uint64) []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Event
	for _, ev := range m.events {
		if ev.IntentID == id {
			out = append(out, ev)
		}
	}
	return out
}

// Replay 根据已记录的事件重建意图快照。
func (m *MemoryLog) Replay() map[uint64]*ledger.Intent {
	return ledger.Replay(m.Since(0))
}

// Len 返回当前保存的事件数量。
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Fanout 将事件依次投递给多个接收方，并汇总所有错误。
type Fanout []ledger.EventSink

// Publish 实现 ledger.EventSink。
func (f Fanout) Publish(ctx context.Context, ev ledger.Event) error {
	var errs error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		errs = errors.Join(errs, sink.Publish(ctx, ev))
	}
	return errs
}
