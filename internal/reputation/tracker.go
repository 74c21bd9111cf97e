package reputation

import (
	"sort"
	"sync"
	"time"

	"IntentArena/internal/competition"
	"IntentArena/internal/risk"
)

// Record 是单个求解者在进程生命周期内的聚合表现。
type Record struct {
	Solver     string    `json:"solver"`
	Total      int       `json:"total"`
	Safe       int       `json:"safe"`
	Danger     int       `json:"danger"`
	Wins       int       `json:"wins"`
	AvgScore   float64   `json:"avg_score"`
	LastSeen   time.Time `json:"last_seen"`
	WinRate    float64   `json:"win_rate"`
	SafetyRate float64   `json:"safety_rate"`
}

func (r *Record) refreshRates() {
	if r.Total == 0 {
		r.WinRate, r.SafetyRate = 0, 0
		return
	}
	r.WinRate = float64(r.Wins) / float64(r.Total)
	r.SafetyRate = float64(r.Safe) / float64(r.Total)
}

// Tracker 在内存中聚合求解者声誉，所有读改写都在同一把锁内完成。
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker 创建声誉跟踪器。
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Record 在一次完成的竞价之后更新每个参与报价的求解者。winner 为空表示没有胜者。
func (t *Tracker) Record(proposals []competition.Proposal, analysis risk.Analysis, winner string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range proposals {
		rec, ok := t.records[p.Solver]
		if !ok {
			rec = &Record{Solver: p.Solver}
			t.records[p.Solver] = rec
		}
		rec.Total++
		switch analysis.LabelFor(p.Solver) {
		case risk.LabelSafe, risk.LabelCaution:
			rec.Safe++
		case risk.LabelDanger:
			rec.Danger++
		}
		if winner != "" && p.Solver == winner {
			rec.Wins++
		}
		rec.AvgScore += (p.Score - rec.AvgScore) / float64(rec.Total)
		rec.LastSeen = at
		rec.refreshRates()
	}
}

// Get 返回单个求解者的记录副本。
func (t *Tracker) Get(solver string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[solver]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Ranked 按胜率降序返回，其次平均分降序，最后按名称。
func (t *Tracker) Ranked() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].WinRate != out[j].WinRate {
			return out[i].WinRate > out[j].WinRate
		}
		if out[i].AvgScore != out[j].AvgScore {
			return out[i].AvgScore > out[j].AvgScore
		}
		return out[i].Solver < out[j].Solver
	})
	return out
}
