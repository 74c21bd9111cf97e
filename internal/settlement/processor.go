package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/ledger"
	"IntentArena/internal/observability/alerting"
	"IntentArena/pkg/logger"
)

// Filler 是处理器所需的账本履约能力。
type Filler interface {
	Fill(ctx context.Context, caller common.Address, id uint64, declaredOut *big.Int, fingerprint []byte) error
}

// RecoveryHandler 在任务终态失败时执行补偿。
type RecoveryHandler interface {
	Recover(ctx context.Context, job *Job, cause error) error
}

// Expirer 是到期退款所需的账本能力。
type Expirer interface {
	MarkExpired(ctx context.Context, id uint64) error
}

// ExpireOnDeadline 在履约因截止时间已过而失败时把意图标记为过期，退回托管资产。
type ExpireOnDeadline struct {
	Ledger Expirer
}

// Recover 实现 RecoveryHandler。
func (e ExpireOnDeadline) Recover(ctx context.Context, job *Job, cause error) error {
	if e.Ledger == nil || !stdErrors.Is(cause, ledger.ErrDeadlinePassed) {
		return nil
	}
	err := e.Ledger.MarkExpired(ctx, job.IntentID)
	if err == nil || stdErrors.Is(err, ledger.ErrInvalidStatus) {
		return nil
	}
	return err
}

// Processor 负责从队列消费结算任务并调用账本完成履约。
type Processor struct {
	filler      Filler
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	observe     func(Status)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithStatusObserver 在任务进入终态时回调，用于指标统计。
func WithStatusObserver(fn func(Status)) ProcessorOption {
	return func(p *Processor) { p.observe = fn }
}

// NewProcessor 构造 Processor。
func NewProcessor(filler Filler, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		filler:      filler,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("settlement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到上下文结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.filler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if skippable(err) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过结算任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取结算任务失败", append(xerrors.LogAttrs(err), slog.String("job_id", jobID))...)
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	output, ok := job.Output()
	if !ok {
		return p.handleFailure(ctx, job, xerrors.New(CodeJobValidation, "declared_output 非法"))
	}
	if fillErr := p.filler.Fill(ctx, job.Filler, job.IntentID, output, job.FingerprintBytes()); fillErr != nil {
		return p.handleFailure(ctx, job, fillErr)
	}

	if err := p.store.MarkSettled(ctx, job.ID); err != nil {
		// 账本已经完成履约，重投只会得到 INVALID_STATUS，因此只告警。
		p.logger.Error("标记结算成功失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "mark_settled")
		return nil
	}
	p.finish(StatusSettled)
	logger.Audit().Info("结算任务完成",
		slog.String("job_id", job.ID),
		slog.Uint64("intent_id", job.IntentID),
		slog.String("filler", job.Filler.Hex()),
		slog.String("declared_output", job.DeclaredOutput),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	if terminal && p.recovery != nil {
		if recErr := p.recovery.Recover(ctx, job, cause); recErr != nil {
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "结算补偿失败")
			p.logger.Error("执行补偿逻辑失败", append(xerrors.LogAttrs(wrapped), slog.String("job_id", job.ID))...)
			p.emitAlert(ctx, job, CodeJobCompensate, wrapped, "compensate")
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, cause.Error(), terminal); storeErr != nil {
		p.logger.Error("标记结算失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("结算任务失败",
		slog.String("job_id", job.ID),
		slog.Uint64("intent_id", job.IntentID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		p.finish(StatusFailed)
	}
	if terminal || xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, job, code, cause, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("结算任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("结算任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) finish(status Status) {
	if p.observe != nil {
		p.observe(status)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if job.IntentID != 0 {
		metadata["intent_id"] = fmt.Sprintf("%d", job.IntentID)
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Subject:    job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}
