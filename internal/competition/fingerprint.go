package competition

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	stringType, _ = abi.NewType("string", "", nil)
	uint64Type, _ = abi.NewType("uint64", "", nil)

	seedArgs = abi.Arguments{
		{Name: "solver", Type: stringType},
		{Name: "tokenIn", Type: stringType},
		{Name: "tokenOut", Type: stringType},
		{Name: "amountIn", Type: stringType},
		{Name: "bucket", Type: uint64Type},
	}
	fingerprintArgs = abi.Arguments{
		{Name: "solver", Type: stringType},
		{Name: "tokenIn", Type: stringType},
		{Name: "tokenOut", Type: stringType},
		{Name: "amountIn", Type: stringType},
		{Name: "expectedOutput", Type: stringType},
		{Name: "expectedCost", Type: stringType},
		{Name: "bucket", Type: uint64Type},
	}
)

// FingerprintInput 是执行指纹的规范化输入。
type FingerprintInput struct {
	Solver         string
	TokenIn        string
	TokenOut       string
	AmountIn       decimal.Decimal
	ExpectedOutput decimal.Decimal
	ExpectedCost   decimal.Decimal
	Bucket         uint64
}

// Fingerprint 对输入做 ABI 编码后取 Keccak-256。相同输入在同一时间桶内得到相同指纹。
func Fingerprint(in FingerprintInput) (common.Hash, error) {
	packed, err := fingerprintArgs.Pack(
		canonicalName(in.Solver),
		canonicalToken(in.TokenIn),
		canonicalToken(in.TokenOut),
		in.AmountIn.String(),
		in.ExpectedOutput.String(),
		in.ExpectedCost.String(),
		in.Bucket,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// seedFor 派生求解者偏差的随机种子，只依赖身份、交易对、数量与时间桶。
func seedFor(solverName, tokenIn, tokenOut string, amountIn decimal.Decimal, bucket uint64) ([32]byte, error) {
	packed, err := seedArgs.Pack(
		canonicalName(solverName),
		canonicalToken(tokenIn),
		canonicalToken(tokenOut),
		amountIn.String(),
		bucket,
	)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func canonicalToken(token string) string {
	token = strings.TrimSpace(token)
	if common.IsHexAddress(token) {
		return common.HexToAddress(token).Hex()
	}
	return strings.ToUpper(token)
}
