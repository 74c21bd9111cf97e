package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
)

// ErrStatusConflict 表示条件更新时存储中的状态与预期不符。
var ErrStatusConflict = xerrors.New(xerrors.CodeConflict, "intent status changed concurrently")

// Store 抽象意图记录的持久化。
type Store interface {
	// Insert 写入新意图并回填单调递增的 ID。
	Insert(ctx context.Context, intent *Intent) error
	Get(ctx context.Context, id uint64) (*Intent, error)
	// Transition 仅当存储中的状态等于 from 时才写入 next，否则返回 ErrStatusConflict。
	Transition(ctx context.Context, from Status, next *Intent) error
	List(ctx context.Context, opts ListOptions) ([]*Intent, error)
	Close() error
}

// ListOptions 控制意图列表的过滤条件。
type ListOptions struct {
	Owner    *common.Address
	Statuses []Status
	Limit    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
}

// Matches 判断意图是否满足过滤条件。
func (o ListOptions) Matches(intent *Intent) bool {
	if o.Owner != nil && intent.Owner != *o.Owner {
		return false
	}
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if intent.Status == s {
			return true
		}
	}
	return false
}

// MemoryStore 以内存方式保存意图，用于测试与单机模式。
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  uint64
	intents map[uint64]*Intent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[uint64]*Intent)}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, intent *Intent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	intent.ID = m.nextID
	m.intents[intent.ID] = intent.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id uint64) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return intent.Clone(), nil
}

// Transition 实现 Store 接口。
func (m *MemoryStore) Transition(_ context.Context, from Status, next *Intent) error {
	if next == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.intents[next.ID]
	if !ok {
		return ErrIntentNotFound
	}
	if current.Status != from {
		return ErrStatusConflict
	}
	m.intents[next.ID] = next.Clone()
	return nil
}

// List 实现 Store 接口，按 ID 倒序返回。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Intent, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Intent, 0, len(m.intents))
	for _, intent := range m.intents {
		if opts.Matches(intent) {
			results = append(results, intent.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID > results[j].ID })
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}
