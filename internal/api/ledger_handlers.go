package api

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/ledger"
)

type fillRequest struct {
	AmountOut   *big.Int      `json:"amount_out"`
	Fingerprint hexutil.Bytes `json:"fingerprint"`
}

type solverApprovalRequest struct {
	Solver   common.Address `json:"solver"`
	Approved bool           `json:"approved"`
}

type feeRequest struct {
	FeeBps uint32 `json:"fee_bps"`
}

type feeRecipientRequest struct {
	Recipient common.Address `json:"recipient"`
}

type ownerRequest struct {
	Owner common.Address `json:"owner"`
}

type faucetRequest struct {
	Asset   string         `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

type ledgerInfo struct {
	Owner        common.Address `json:"owner"`
	FeeBps       uint32         `json:"fee_bps"`
	FeeRecipient common.Address `json:"fee_recipient"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var params ledger.CreateParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, err)
		return
	}
	intent, err := s.ledger.Create(r.Context(), from, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ledger.ListOptions{Limit: parseLimit(r)}
	if raw := strings.TrimSpace(q.Get("owner")); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "owner 不是合法地址",
				xerrors.WithMetadata("field", "owner")))
			return
		}
		owner := common.HexToAddress(raw)
		opts.Owner = &owner
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := ledger.Status(strings.ToLower(strings.TrimSpace(part)))
			switch status {
			case ledger.StatusOpen, ledger.StatusFilled, ledger.StatusCancelled, ledger.StatusExpired:
				opts.Statuses = append(opts.Statuses, status)
			default:
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的意图状态 "+part,
					xerrors.WithMetadata("field", "status")))
				return
			}
		}
	}
	intents, err := s.ledger.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r.PathValue("id"), "id")
	if err != nil {
		writeError(w, err)
		return
	}
	intent, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleIntentEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r.PathValue("id"), "id")
	if err != nil {
		writeError(w, err)
		return
	}
	events := s.events.ForIntent(id)
	if len(events) == 0 {
		if _, err := s.ledger.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleFillIntent(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := parseUintParam(r.PathValue("id"), "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req fillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AmountOut == nil || req.AmountOut.Sign() <= 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "amount_out 必须为正数",
			xerrors.WithMetadata("field", "amount_out")))
		return
	}
	if err := s.ledger.Fill(r.Context(), from, id, req.AmountOut, req.Fingerprint); err != nil {
		writeError(w, err)
		return
	}
	s.respondIntent(w, r, id)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := parseUintParam(r.PathValue("id"), "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Cancel(r.Context(), from, id); err != nil {
		writeError(w, err)
		return
	}
	s.respondIntent(w, r, id)
}

// handleExpireIntent 不要求调用方身份，任何人都可以在截止时间之后触发退款。
func (s *Server) handleExpireIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r.PathValue("id"), "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.MarkExpired(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.respondIntent(w, r, id)
}

func (s *Server) respondIntent(w http.ResponseWriter, r *http.Request, id uint64) {
	intent, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleLedgerInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ledgerInfo{
		Owner:        s.ledger.Owner(),
		FeeBps:       s.ledger.FeeBps(),
		FeeRecipient: s.ledger.FeeRecipient(),
	})
}

func (s *Server) handleApproveSolver(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req solverApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.SetSolverApproval(r.Context(), from, req.Solver, req.Approved); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"solver":   req.Solver,
		"approved": s.ledger.IsApproved(req.Solver),
	})
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req feeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.SetFeeBps(r.Context(), from, req.FeeBps); err != nil {
		writeError(w, err)
		return
	}
	s.handleLedgerInfo(w, r)
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req feeRecipientRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.SetFeeRecipient(r.Context(), from, req.Recipient); err != nil {
		writeError(w, err)
		return
	}
	s.handleLedgerInfo(w, r)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ownerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.TransferOwnership(r.Context(), from, req.Owner); err != nil {
		writeError(w, err)
		return
	}
	s.handleLedgerInfo(w, r)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("account")
	if !common.IsHexAddress(raw) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "account 不是合法地址",
			xerrors.WithMetadata("field", "account")))
		return
	}
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 asset 参数",
			xerrors.WithMetadata("field", "asset")))
		return
	}
	account := common.HexToAddress(raw)
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   asset,
		"account": account,
		"balance": s.book.BalanceOf(asset, account),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Asset) == "" || req.Amount == nil || req.Amount.Sign() <= 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "asset 与正数 amount 均为必填"))
		return
	}
	if err := s.book.Mint(req.Asset, req.Account, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("水龙头铸币", "asset", req.Asset, "account", req.Account.Hex(), "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   req.Asset,
		"account": req.Account,
		"balance": s.book.BalanceOf(req.Asset, req.Account),
	})
}
