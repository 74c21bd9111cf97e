package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "IntentArena/internal/errors"
	"IntentArena/pkg/logger"
)

// FingerprintVerifier 校验指纹是否为某一轮竞价选出的优胜报价。
type FingerprintVerifier interface {
	VerifyFingerprint(runID, fingerprint string) bool
}

// Service 负责结算任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	verifier   FingerprintVerifier
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithVerifier 配置竞价指纹校验器。
func WithVerifier(v FingerprintVerifier) ServiceOption {
	return func(s *Service) { s.verifier = v }
}

// NewService 构造结算服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) validate(req Request) error {
	if req.IntentID == 0 {
		return xerrors.New(CodeJobValidation, "intent_id 不能为空")
	}
	if req.Filler == (common.Address{}) {
		return xerrors.New(CodeJobValidation, "filler 不能为零地址")
	}
	draft := Job{DeclaredOutput: req.DeclaredOutput}
	if _, ok := draft.Output(); !ok {
		return xerrors.New(CodeJobValidation, "declared_output 必须是正整数")
	}
	fp := strings.TrimSpace(req.Fingerprint)
	if fp != "" {
		if _, err := hexutil.Decode(fp); err != nil {
			return xerrors.New(CodeJobValidation, "fingerprint 必须是 0x 开头的十六进制")
		}
	}
	if req.RunID != "" {
		if fp == "" {
			return xerrors.New(CodeJobValidation, "引用竞价轮次时必须提供 fingerprint")
		}
		if s.verifier == nil || !s.verifier.VerifyFingerprint(req.RunID, fp) {
			return ErrFingerprintMismatch
		}
	}
	return nil
}

// Submit 创建一个新的结算任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算服务未初始化")
	}
	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	job := &Job{
		ID:             jobID,
		IntentID:       req.IntentID,
		Filler:         req.Filler,
		DeclaredOutput: strings.TrimSpace(req.DeclaredOutput),
		Fingerprint:    strings.ToLower(strings.TrimSpace(req.Fingerprint)),
		RunID:          req.RunID,
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("结算任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布结算任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("结算任务入队成功",
		slog.String("job_id", jobID),
		slog.Uint64("intent_id", job.IntentID),
		slog.String("filler", job.Filler.Hex()),
		slog.String("run_id", job.RunID),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未初始化")
	}
	return s.store.List(ctx, opts)
}

// Stats 统计最近任务的状态分布。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	jobs, err := s.List(ctx, ListOptions{Limit: 100})
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, job := range jobs {
		stats.Add(job.Status)
	}
	return stats, nil
}

// WaitUntilDone 按间隔轮询，直到任务进入终态或上下文结束。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resubmit 把仍处于 pending 的任务重新投递到队列，用于进程重启后恢复内存队列。
// 重复投递是安全的：处理器领取任务时会做状态比较。
func (s *Service) Resubmit(ctx context.Context) (int, error) {
	if s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "结算队列未初始化")
	}
	jobs, err := s.List(ctx, ListOptions{Limit: 100, Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if err := s.producer.Publish(ctx, job.ID); err != nil {
			return n, xerrors.Wrap(CodeJobPublish, err, "重新投递结算任务失败")
		}
		n++
	}
	if n > 0 {
		logger.Named("settlement").Info("已重新投递待处理结算任务", slog.Int("count", n))
	}
	return n, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
