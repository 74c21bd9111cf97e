package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "IntentArena/internal/errors"
)

// Store 抽象了结算任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSettled(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Close() error
}

// ListOptions 控制任务列表的筛选。
type ListOptions struct {
	Limit    int
	Statuses []Status
	IntentID uint64
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	statuses := o.Statuses[:0:0]
	for _, s := range o.Statuses {
		if IsValidStatus(s) {
			statuses = append(statuses, s)
		}
	}
	o.Statuses = statuses
}

// Matches 判断任务是否满足筛选条件。
func (o ListOptions) Matches(job *Job) bool {
	if o.IntentID != 0 && job.IntentID != o.IntentID {
		return false
	}
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

// Stats 聚合了任务状态的统计信息。
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// Add 累加一个任务的状态。
func (s *Stats) Add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSettled:
		s.Settled++
	case StatusFailed:
		s.Failed++
	}
}

// MemoryStore 以内存方式保存任务状态。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := m.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

// Claim 将任务状态更新为运行中并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	switch job.Status {
	case StatusSettled:
		return &clone, ErrJobCompleted
	case StatusRunning:
		return &clone, ErrJobConflict
	}
	if job.Attempts >= job.MaxRetries {
		return &clone, ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = m.now().Unix()
	clone = *job
	return &clone, nil
}

// MarkSettled 记录上账成功。
func (m *MemoryStore) MarkSettled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSettled
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记任务失败；非终态的任务保留剩余重试次数。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusFailed
	if !terminal {
		job.Status = StatusPending
	} else if job.Attempts < job.MaxRetries {
		job.Attempts = job.MaxRetries
	}
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回最近更新的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if !opts.Matches(job) {
			continue
		}
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
