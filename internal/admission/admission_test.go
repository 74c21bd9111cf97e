package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	xerrors "IntentArena/internal/errors"
	redisstore "IntentArena/internal/storage/redis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiterWindow(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(Config{Limit: 3, Window: time.Minute}, WithClock(clk.now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := l.Allow(ctx, "alice")
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
		if d.Remaining != 2-i {
			t.Fatalf("unexpected remaining %d", d.Remaining)
		}
	}
	clk.advance(20 * time.Second)
	d, _ := l.Allow(ctx, "alice")
	if d.Allowed {
		t.Fatalf("fourth request should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute || d.RetryAfter != 40*time.Second {
		t.Fatalf("unexpected retry after %v", d.RetryAfter)
	}
	err := d.Err("alice")
	if xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("unexpected error %v", err)
	}
	if e, _ := xerrors.From(err); e.Class() != xerrors.ClassAdmission {
		t.Fatalf("rejection should be an admission error")
	}

	if other, _ := l.Allow(ctx, "bob"); !other.Allowed {
		t.Fatalf("other identities have their own budget")
	}

	clk.advance(40 * time.Second)
	d, _ = l.Allow(ctx, "alice")
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("window elapsed, request should reset the count: %+v", d)
	}
}

func TestMemoryLimiterSweepsWhenFull(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Second, MaxBuckets: 3}, WithClock(clk.now))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, _ = l.Allow(ctx, id)
	}
	clk.advance(2 * time.Second)
	_, _ = l.Allow(ctx, "d")
	if l.Len() != 1 {
		t.Fatalf("expired buckets should be swept, have %d", l.Len())
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 25, Window: time.Hour})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Allow(context.Background(), "same")
			if d.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 25 {
		t.Fatalf("expected exactly 25 admissions, got %d", admitted)
	}
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(Config{Limit: 1, Window: 30 * time.Second}, WithClock(clk.now))
	var rejected []string
	h := Middleware(l, WithRejectObserver(func(route string) { rejected = append(rejected, route) }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/compete", nil)
	req.Header.Set("X-Client-ID", "c1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	clk.advance(10*time.Second + 200*time.Millisecond)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rejected, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "20" {
		t.Fatalf("unexpected Retry-After %q", got)
	}
	if len(rejected) != 1 || rejected[0] != "/api/v1/compete" {
		t.Fatalf("observer not called: %v", rejected)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, xerrors.New(xerrors.CodeUnavailable, "down")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(failingLimiter{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("limiter failure should not block requests, got %d", rec.Code)
	}
}

func TestClientIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := ClientIdentity(req); got != "ip:10.0.0.7" {
		t.Fatalf("unexpected identity %s", got)
	}
	req.Header.Set("X-Client-ID", "svc")
	if got := ClientIdentity(req); got != "client:svc" {
		t.Fatalf("unexpected identity %s", got)
	}
}

// fakeScripter 在内存中模拟窗口脚本。
type fakeScripter struct {
	mu     sync.Mutex
	counts map[string]int64
	keys   []string
}

func (f *fakeScripter) run(keys []string, args ...interface{}) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys[0])
	f.counts[keys[0]]++
	window := args[0].(int64)
	return goredis.NewCmdResult([]interface{}{f.counts[keys[0]], window - 1000}, nil)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *goredis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *goredis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeScripter) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *goredis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeScripter) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *goredis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeScripter) ScriptExists(context.Context, ...string) *goredis.BoolSliceCmd {
	return goredis.NewBoolSliceResult(nil, nil)
}

func (f *fakeScripter) ScriptLoad(context.Context, string) *goredis.StringCmd {
	return goredis.NewStringResult("", nil)
}

func TestRedisLimiter(t *testing.T) {
	fake := &fakeScripter{counts: make(map[string]int64)}
	l := NewRedisLimiter(fake, redisstore.NewKeys("test"), Config{Limit: 2, Window: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, err := l.Allow(ctx, "alice"); err != nil || !d.Allowed {
			t.Fatalf("request %d should pass: %+v %v", i+1, d, err)
		}
	}
	d, err := l.Allow(ctx, "alice")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.RetryAfter != 9*time.Second {
		t.Fatalf("third request should be rejected with ttl, got %+v", d)
	}
	if fake.keys[0] != "test:admission:alice" {
		t.Fatalf("unexpected key %s", fake.keys[0])
	}
}
