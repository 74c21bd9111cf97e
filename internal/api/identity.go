package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"IntentArena/internal/admission"
	xerrors "IntentArena/internal/errors"
)

const (
	headerCallerAddress   = "X-Caller-Address"
	headerCallerSignature = "X-Caller-Signature"
	headerCallerTimestamp = "X-Caller-Timestamp"
	headerCallerNonce     = "X-Caller-Nonce"

	defaultSignatureWindow = 5 * time.Minute
	maxNonceLength         = 128
)

type callerKey struct{}

// caller 是经过解析的调用方身份。Verified 表示签名校验已通过。
type caller struct {
	Address  common.Address
	Verified bool
}

func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

// requireCaller 返回当前请求的调用方地址，缺失时返回 401 错误。
func requireCaller(r *http.Request) (common.Address, error) {
	c, ok := callerFrom(r.Context())
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "缺少调用方地址",
			xerrors.WithMetadata("header", headerCallerAddress))
	}
	return c.Address, nil
}

// RecoverSigner 按 EIP-191 personal_sign 规则从签名中恢复地址。
func RecoverSigner(payload []byte, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "签名长度不正确")
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthorized, err, "无法从签名恢复地址")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SigningPayload 返回调用方需要做 EIP-191 签名的规范串：
// 方法、请求 URI、Unix 秒时间戳、一次性随机数与请求体的 Keccak256 各占一行。
func SigningPayload(method, requestURI string, timestamp int64, nonce string, body []byte) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(requestURI)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(crypto.Keccak256Hash(body).Hex())
	return []byte(b.String())
}

// nonceCache 记录签名窗口内已使用的 (地址, nonce)，过期条目在写入时顺带清理。
type nonceCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time)}
}

// claim 首次使用返回 true，重复使用返回 false。
func (n *nonceCache) claim(addr common.Address, nonce string, expires, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if now.Sub(n.lastSweep) >= time.Minute {
		for k, exp := range n.seen {
			if !exp.After(now) {
				delete(n.seen, k)
			}
		}
		n.lastSweep = now
	}
	key := strings.ToLower(addr.Hex()) + "/" + nonce
	if exp, ok := n.seen[key]; ok && exp.After(now) {
		return false
	}
	n.seen[key] = expires
	return true
}

// verifySignature 校验时间窗口、签名与 nonce。nonce 只在签名通过后登记，
// 避免伪造请求占用他人的 nonce。
func (s *Server) verifySignature(r *http.Request, claimed common.Address, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnauthorized, err, "签名不是合法的十六进制")
	}
	rawTS := strings.TrimSpace(r.Header.Get(headerCallerTimestamp))
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return xerrors.New(xerrors.CodeUnauthorized, "缺少或无法解析签名时间戳",
			xerrors.WithMetadata("header", headerCallerTimestamp))
	}
	now := s.now()
	signedAt := time.Unix(ts, 0)
	if skew := now.Sub(signedAt); skew > s.signatureWindow || skew < -s.signatureWindow {
		return xerrors.New(xerrors.CodeUnauthorized, "签名时间戳超出有效窗口",
			xerrors.WithMetadata("header", headerCallerTimestamp))
	}
	nonce := strings.TrimSpace(r.Header.Get(headerCallerNonce))
	if nonce == "" || len(nonce) > maxNonceLength {
		return xerrors.New(xerrors.CodeUnauthorized, "缺少或过长的签名 nonce",
			xerrors.WithMetadata("header", headerCallerNonce))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	signer, err := RecoverSigner(SigningPayload(r.Method, r.URL.RequestURI(), ts, nonce, body), sig)
	if err != nil {
		return err
	}
	if signer != claimed {
		return xerrors.New(xerrors.CodeUnauthorized, "签名与调用方地址不匹配",
			xerrors.WithMetadata("signer", signer.Hex()))
	}
	if !s.nonces.claim(signer, nonce, signedAt.Add(s.signatureWindow), now) {
		return xerrors.New(xerrors.CodeUnauthorized, "签名 nonce 已被使用",
			xerrors.WithMetadata("header", headerCallerNonce))
	}
	return nil
}

// withCaller 解析调用方头部。开启签名校验时，签名必须覆盖方法、路径、时间戳、nonce 与请求体，
// 并恢复出声明的地址。
func (s *Server) withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerCallerAddress))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !common.IsHexAddress(raw) {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "调用方地址格式错误",
				xerrors.WithMetadata("header", headerCallerAddress)))
			return
		}
		c := caller{Address: common.HexToAddress(raw)}

		sigHex := strings.TrimSpace(r.Header.Get(headerCallerSignature))
		if sigHex != "" || s.requireSignatures {
			if sigHex == "" {
				writeError(w, xerrors.New(xerrors.CodeUnauthorized, "缺少调用方签名",
					xerrors.WithMetadata("header", headerCallerSignature)))
				return
			}
			if err := s.verifySignature(r, c.Address, sigHex); err != nil {
				writeError(w, err)
				return
			}
			c.Verified = true
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// admissionIdentity 优先使用已验证的调用方地址，其次回退到客户端标识与 IP。
func admissionIdentity(r *http.Request) string {
	if c, ok := callerFrom(r.Context()); ok && c.Verified {
		return "addr:" + strings.ToLower(c.Address.Hex())
	}
	return admission.ClientIdentity(r)
}
