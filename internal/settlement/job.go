package settlement

import (
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
)

// Status 表示结算任务在生命周期中的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Request 是提交结算任务时的请求体。
type Request struct {
	ID             string         `json:"id,omitempty"`
	IntentID       uint64         `json:"intent_id"`
	Filler         common.Address `json:"filler"`
	DeclaredOutput string         `json:"declared_output"`
	Fingerprint    string         `json:"fingerprint"`
	RunID          string         `json:"run_id,omitempty"`
}

// Job 描述了排队等待上账的履约请求。
type Job struct {
	ID             string         `json:"id"`
	IntentID       uint64         `json:"intent_id"`
	Filler         common.Address `json:"filler"`
	DeclaredOutput string         `json:"declared_output"`
	Fingerprint    string         `json:"fingerprint"`
	RunID          string         `json:"run_id,omitempty"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
	LastError      string         `json:"last_error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Output 解析声明的输出数量。
func (j *Job) Output() (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(j.DeclaredOutput), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// FingerprintBytes 把十六进制指纹解码为字节。
func (j *Job) FingerprintBytes() []byte {
	if strings.TrimSpace(j.Fingerprint) == "" {
		return nil
	}
	return common.FromHex(j.Fingerprint)
}

// Terminal 判断任务是否已经结束。
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

const (
	CodeJobNotFound         xerrors.Code = "SETTLEMENT_JOB_NOT_FOUND"
	CodeJobConflict         xerrors.Code = "SETTLEMENT_JOB_CONFLICT"
	CodeJobCompleted        xerrors.Code = "SETTLEMENT_JOB_COMPLETED"
	CodeJobExhausted        xerrors.Code = "SETTLEMENT_RETRIES_EXHAUSTED"
	CodeJobValidation       xerrors.Code = "SETTLEMENT_VALIDATION_FAILED"
	CodeFingerprintMismatch xerrors.Code = "FINGERPRINT_MISMATCH"
	CodeJobPublish          xerrors.Code = "SETTLEMENT_PUBLISH_FAILED"
	CodeJobProcessing       xerrors.Code = "SETTLEMENT_PROCESSING_FAILED"
	CodeJobCompensate       xerrors.Code = "SETTLEMENT_COMPENSATION_FAILED"
)

var (
	// ErrJobNotFound 表示指定的结算任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "settlement job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "settlement job conflict")
	// ErrJobCompleted 表示任务已经结束。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "settlement job already completed")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "settlement retries exhausted")
	// ErrFingerprintMismatch 表示提交的指纹不是该轮竞价签发的。
	ErrFingerprintMismatch = xerrors.New(CodeFingerprintMismatch, "fingerprint was not issued by the referenced competition")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "settlement job not found",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "settlement job conflict",
		Class:    xerrors.ClassInvariant,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "settlement job already completed",
		Class:    xerrors.ClassInvariant,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "settlement retries exhausted",
		Class:    xerrors.ClassInternal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "settlement validation failed",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeFingerprintMismatch, xerrors.Attributes{
		Message:  "fingerprint mismatch",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish settlement job",
		Class:     xerrors.ClassCollaborator,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "settlement execution failed",
		Class:     xerrors.ClassInternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{
		Message:  "settlement compensation failed",
		Class:    xerrors.ClassInternal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// skippable 判断领取失败是否可以安静跳过。
func skippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted)
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSettled, StatusFailed:
		return true
	default:
		return false
	}
}
