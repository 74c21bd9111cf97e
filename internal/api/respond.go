package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/ledger"
	"IntentArena/internal/settlement"
	"IntentArena/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code         string            `json:"code"`
	Class        string            `json:"class"`
	Message      string            `json:"message"`
	RetryAfterMS int64             `json:"retry_after_ms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写出响应失败", "error", err)
	}
}

// statusFor 把错误类别映射为 HTTP 状态码。
func statusFor(e *xerrors.Error) int {
	switch e.Code() {
	case ledger.CodeIntentNotFound, settlement.CodeJobNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeNotOwner, ledger.CodeNotIntentOwner, ledger.CodeSolverNotApproved:
		return http.StatusForbidden
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	switch e.Class() {
	case xerrors.ClassCaller:
		return http.StatusBadRequest
	case xerrors.ClassInvariant:
		return http.StatusConflict
	case xerrors.ClassPolicy:
		return http.StatusUnprocessableEntity
	case xerrors.ClassAdmission:
		return http.StatusTooManyRequests
	case xerrors.ClassCollaborator:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		e = xerrors.Wrap(xerrors.CodeUnknown, err, "内部错误")
	}
	status := statusFor(e)
	body := errorBody{
		Code:     string(e.Code()),
		Class:    string(e.Class()),
		Message:  e.Error(),
		Metadata: e.Metadata(),
	}
	if d, ok := e.RetryAfter(); ok {
		body.RetryAfterMS = d.Milliseconds()
		secs := int((d.Milliseconds() + 999) / 1000)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", xerrors.LogAttrs(e)...)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

// rejectAdmission 以统一的错误格式写出准入拒绝。
func rejectAdmission(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, err)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("请求体解析失败: %v", err))
	}
	return nil
}

func parseUintParam(raw, field string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 必须是正整数", field),
			xerrors.WithMetadata("field", field))
	}
	return v, nil
}

func parseLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
