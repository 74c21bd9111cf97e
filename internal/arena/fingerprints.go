package arena

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultFingerprintTTL  = 15 * time.Minute
	defaultFingerprintRuns = 10_000
)

type issuedRun struct {
	fingerprints map[string]struct{}
	expires      time.Time
}

// fingerprintMemory 记住每轮竞价选出的优胜指纹，供结算时交叉校验。被拒绝的轮次不登记。
type fingerprintMemory struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxRuns int
	runs    map[string]issuedRun
}

func newFingerprintMemory(ttl time.Duration, maxRuns int) *fingerprintMemory {
	if ttl <= 0 {
		ttl = defaultFingerprintTTL
	}
	if maxRuns <= 0 {
		maxRuns = defaultFingerprintRuns
	}
	return &fingerprintMemory{ttl: ttl, maxRuns: maxRuns, runs: make(map[string]issuedRun)}
}

func (m *fingerprintMemory) remember(runID string, fingerprints []string, now time.Time) {
	set := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		set[strings.ToLower(fp)] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) >= m.maxRuns {
		m.sweepLocked(now)
	}
	for len(m.runs) >= m.maxRuns {
		m.evictOldestLocked()
	}
	m.runs[runID] = issuedRun{fingerprints: set, expires: now.Add(m.ttl)}
}

func (m *fingerprintMemory) verify(runID, fingerprint string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false
	}
	if now.After(run.expires) {
		delete(m.runs, runID)
		return false
	}
	_, ok = run.fingerprints[strings.ToLower(strings.TrimSpace(fingerprint))]
	return ok
}

func (m *fingerprintMemory) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

func (m *fingerprintMemory) sweepLocked(now time.Time) int {
	removed := 0
	for id, run := range m.runs {
		if now.After(run.expires) {
			delete(m.runs, id)
			removed++
		}
	}
	return removed
}

func (m *fingerprintMemory) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, run := range m.runs {
		if oldestID == "" || run.expires.Before(oldest) {
			oldestID, oldest = id, run.expires
		}
	}
	delete(m.runs, oldestID)
}

func (m *fingerprintMemory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
