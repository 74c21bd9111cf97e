package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/internal/admission"
	"IntentArena/internal/arena"
	"IntentArena/internal/competition"
	"IntentArena/internal/ledger"
	"IntentArena/internal/observability/metrics"
	"IntentArena/internal/pricing"
	"IntentArena/internal/reputation"
	"IntentArena/internal/risk"
	"IntentArena/internal/settlement"
	"IntentArena/pkg/logger"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Arena 是 HTTP 层依赖的竞价服务能力。
type Arena interface {
	Quote(ctx context.Context, req arena.QuoteRequest) (competition.Proposal, error)
	Compete(ctx context.Context, req arena.CompeteRequest) (*arena.Result, error)
	Simulate(ctx context.Context, req arena.CompeteRequest) (*arena.Result, error)
	Analyze(ctx context.Context, req arena.AnalyzeRequest) (risk.Analysis, error)
	ResolvePrice(ctx context.Context, address string) (pricing.TokenInfo, error)
	SearchTokens(ctx context.Context, query string) ([]pricing.TokenInfo, error)
	Reputation() []reputation.Record
	History(ctx context.Context, limit int) ([]competition.Record, error)
	Solvers() []string
}

// Ledger 是 HTTP 层依赖的账本能力。
type Ledger interface {
	Create(ctx context.Context, caller common.Address, params ledger.CreateParams) (*ledger.Intent, error)
	Fill(ctx context.Context, caller common.Address, id uint64, declaredOut *big.Int, fingerprint []byte) error
	Cancel(ctx context.Context, caller common.Address, id uint64) error
	MarkExpired(ctx context.Context, id uint64) error
	Get(ctx context.Context, id uint64) (*ledger.Intent, error)
	List(ctx context.Context, opts ledger.ListOptions) ([]*ledger.Intent, error)
	IsApproved(solver common.Address) bool
	Owner() common.Address
	FeeBps() uint32
	FeeRecipient() common.Address
	SetSolverApproval(ctx context.Context, caller, solver common.Address, approved bool) error
	SetFeeBps(ctx context.Context, caller common.Address, bps uint32) error
	SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error
	TransferOwnership(ctx context.Context, caller, next common.Address) error
}

// Book 暴露托管余额，Mint 仅在开启水龙头时使用。
type Book interface {
	Mint(asset string, account common.Address, amount *big.Int) error
	BalanceOf(asset string, account common.Address) *big.Int
}

// EventLog 提供单个意图的事件回放。
type EventLog interface {
	ForIntent(id uint64) []ledger.Event
}

// Settlements 是异步结算服务。
type Settlements interface {
	Submit(ctx context.Context, req settlement.Request) (*settlement.Job, error)
	Get(ctx context.Context, id string) (*settlement.Job, error)
	List(ctx context.Context, opts settlement.ListOptions) ([]*settlement.Job, error)
}

// Option 自定义 Server。
type Option func(*Server)

// WithLedger 挂载账本路由。
func WithLedger(l Ledger) Option { return func(s *Server) { s.ledger = l } }

// WithBook 挂载余额查询，开启水龙头时同时挂载铸币路由。
func WithBook(b Book) Option { return func(s *Server) { s.book = b } }

// WithEventLog 挂载意图事件查询。
func WithEventLog(e EventLog) Option { return func(s *Server) { s.events = e } }

// WithSettlements 挂载异步结算路由。
func WithSettlements(svc Settlements) Option { return func(s *Server) { s.settlements = svc } }

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLimiter 为竞价与分析路由开启准入控制。
func WithLimiter(l admission.Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithSignatures 要求调用方地址附带 EIP-191 签名。
func WithSignatures(required bool) Option { return func(s *Server) { s.requireSignatures = required } }

// WithSignatureWindow 调整签名时间戳允许的偏差，同时决定 nonce 的保留时长。
func WithSignatureWindow(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.signatureWindow = d
		}
	}
}

// WithClock 替换签名校验使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFaucet 开启开发用的铸币路由。
func WithFaucet(enabled bool) Option { return func(s *Server) { s.faucet = enabled } }

// WithTimeouts 调整读取头部与优雅关闭的超时。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// Server 对外提供 REST 接口。
type Server struct {
	addr              string
	arena             Arena
	ledger            Ledger
	book              Book
	events            EventLog
	settlements       Settlements
	metrics           *metrics.Metrics
	limiter           admission.Limiter
	requireSignatures bool
	signatureWindow   time.Duration
	nonces            *nonceCache
	now               func() time.Time
	faucet            bool
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	log               *slog.Logger
	root              context.Context
}

// NewServer 创建 Server。
func NewServer(addr string, a Arena, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		arena:             a,
		readHeaderTimeout: defaultReadHeaderTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		signatureWindow:   defaultSignatureWindow,
		nonces:            newNonceCache(),
		now:               time.Now,
		log:               logger.Named("api"),
		root:              context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到 ctx 结束后优雅关闭。
func (s *Server) Start(ctx context.Context) error {
	s.root = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", "address", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.log.Info("HTTP 服务关闭中")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}
	gate := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if s.limiter != nil {
		mw := admission.Middleware(s.limiter,
			admission.WithIdentity(admissionIdentity),
			admission.WithReject(rejectAdmission),
			admission.WithRejectObserver(s.metrics.AdmissionRejected),
		)
		gate = func(h http.HandlerFunc) http.HandlerFunc { return mw(h).ServeHTTP }
	}

	handle("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	if s.arena != nil {
		handle("POST /api/v1/quote", s.handleQuote)
		handle("POST /api/v1/compete", gate(s.handleCompete))
		handle("POST /api/v1/simulate", s.handleSimulate)
		handle("POST /api/v1/analyze", gate(s.handleAnalyze))
		handle("GET /api/v1/tokens/{address}", s.handleResolvePrice)
		handle("GET /api/v1/tokens", s.handleSearchTokens)
		handle("GET /api/v1/reputation", s.handleReputation)
		handle("GET /api/v1/competitions", s.handleHistory)
		handle("GET /api/v1/solvers", s.handleSolvers)
	}

	if s.ledger != nil {
		handle("POST /api/v1/intents", s.handleCreateIntent)
		handle("GET /api/v1/intents", s.handleListIntents)
		handle("GET /api/v1/intents/{id}", s.handleGetIntent)
		handle("POST /api/v1/intents/{id}/fill", s.handleFillIntent)
		handle("POST /api/v1/intents/{id}/cancel", s.handleCancelIntent)
		handle("POST /api/v1/intents/{id}/expire", s.handleExpireIntent)
		handle("GET /api/v1/ledger", s.handleLedgerInfo)
		handle("POST /api/v1/admin/solvers", s.handleApproveSolver)
		handle("POST /api/v1/admin/fee", s.handleSetFee)
		handle("POST /api/v1/admin/fee-recipient", s.handleSetFeeRecipient)
		handle("POST /api/v1/admin/owner", s.handleTransferOwnership)
		if s.events != nil {
			handle("GET /api/v1/intents/{id}/events", s.handleIntentEvents)
		}
	}

	if s.book != nil {
		handle("GET /api/v1/balances/{account}", s.handleBalance)
		if s.faucet {
			handle("POST /api/v1/faucet", s.handleFaucet)
		}
	}

	if s.settlements != nil {
		handle("POST /api/v1/settlements", s.handleSubmitSettlement)
		handle("GET /api/v1/settlements", s.handleListSettlements)
		handle("GET /api/v1/settlements/{id}", s.handleGetSettlement)
	}

	return s.withContext(s.withCaller(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 在根上下文结束后拒绝新请求。
func (s *Server) withContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.root.Err(); err != nil {
			http.Error(w, "service shutting down", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 以路由模式为标签记录请求指标，避免路径参数放大基数。
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
	})
}
