package competition

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "IntentArena/internal/errors"
)

// Record 是一次已完成竞价的摘要。
type Record struct {
	RunID         string          `json:"run_id"`
	TokenIn       string          `json:"token_in"`
	TokenOut      string          `json:"token_out"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	Solvers       int             `json:"solvers"`
	ValidCount    int             `json:"valid_count"`
	Winner        string          `json:"winner,omitempty"`
	WinnerOutput  decimal.Decimal `json:"winner_output"`
	Fingerprint   string          `json:"fingerprint,omitempty"`
	OverrideUsed  bool            `json:"override_used"`
	RefusalReason string          `json:"refusal_reason,omitempty"`
	RiskAnalyzed  bool            `json:"risk_analyzed"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HistoryStore 持久化竞价摘要。
type HistoryStore interface {
	Append(ctx context.Context, record Record) error
	// Recent 按时间倒序返回最近的记录。
	Recent(ctx context.Context, limit int) ([]Record, error)
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// NormalizeLimit 把列表上限限制在合理范围内。
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// MemoryHistory 在内存中保留最近的记录，可选地追加写入 JSON Lines 文件。
type MemoryHistory struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
	file     *os.File
	writer   *bufio.Writer
}

// NewMemoryHistory 创建容量为 capacity 的内存历史。path 非空时同时写入文件，并载入文件中已有的记录。
func NewMemoryHistory(capacity int, path string) (*MemoryHistory, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	h := &MemoryHistory{capacity: capacity}
	if path == "" {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建竞价历史目录失败")
	}
	if err := h.load(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开竞价历史文件失败")
	}
	h.file = f
	h.writer = bufio.NewWriter(f)
	return h, nil
}

func (h *MemoryHistory) load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取竞价历史文件失败")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		h.push(rec)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取竞价历史文件失败")
	}
	return nil
}

func (h *MemoryHistory) push(rec Record) {
	h.records = append(h.records, rec)
	if over := len(h.records) - h.capacity; over > 0 {
		h.records = append([]Record(nil), h.records[over:]...)
	}
}

// Append 实现 HistoryStore。
func (h *MemoryHistory) Append(_ context.Context, record Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(record)
	if h.writer == nil {
		return nil
	}
	line, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化竞价记录失败")
	}
	if _, err := h.writer.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入竞价历史失败")
	}
	if err := h.writer.Flush(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入竞价历史失败")
	}
	return nil
}

// Recent 实现 HistoryStore。
func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]Record, error) {
	limit = NormalizeLimit(limit)
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, 0, limit)
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

// Close 关闭底层文件。
func (h *MemoryHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	flushErr := h.writer.Flush()
	closeErr := h.file.Close()
	h.file, h.writer = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
