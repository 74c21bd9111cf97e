package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/settlement"
)

func (s *Server) handleSubmitSettlement(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req settlement.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Filler == (common.Address{}) {
		req.Filler = from
	}
	if req.Filler != from {
		writeError(w, xerrors.New(xerrors.CodeUnauthorized, "只能以调用方身份提交结算",
			xerrors.WithMetadata("filler", req.Filler.Hex())))
		return
	}
	job, err := s.settlements.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	job, err := s.settlements.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := settlement.ListOptions{Limit: parseLimit(r)}
	if raw := strings.TrimSpace(q.Get("intent_id")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "intent_id 必须是整数",
				xerrors.WithMetadata("field", "intent_id")))
			return
		}
		opts.IntentID = id
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := settlement.Status(strings.ToLower(strings.TrimSpace(part)))
			if !settlement.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的结算状态 "+part,
					xerrors.WithMetadata("field", "status")))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	jobs, err := s.settlements.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": jobs})
}
