package ledger

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point scale of on-chain prices (S = 10^18).
const PriceDecimals = 18

// Fixed response shape the ledger verifies outcome attestations against.
const (
	attestMethod    = "GET"
	attestEmptyJSON = "{}"
	attestJQ        = "{outcome: .outcome}"
	attestABISig    = "(uint8 outcome)"
)

const createMarketJSON = `[{
	"type": "function",
	"name": "createMarket",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "marketId",    "type": "bytes32"},
		{"name": "requestHash", "type": "bytes32"},
		{"name": "yesPrice",    "type": "uint256"},
		{"name": "noPrice",     "type": "uint256"},
		{"name": "pool",        "type": "address"}
	],
	"outputs": []
}]`

var (
	marketABI   abi.ABI
	requestArgs abi.Arguments
	scale       = decimal.New(1, PriceDecimals)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(createMarketJSON))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse abi: %v", err))
	}
	marketABI = parsed

	str, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(fmt.Sprintf("ledger: string type: %v", err))
	}
	for i := 0; i < 7; i++ {
		requestArgs = append(requestArgs, abi.Argument{Type: str})
	}
}

// EncodePrices converts a YES probability into the fixed-point price pair.
// yesPrice is rounded and noPrice takes the remainder, so the pair always
// sums to exactly 10^18. Out-of-range and NaN inputs are clamped.
func EncodePrices(yes float64) (yesPrice, noPrice *big.Int) {
	switch {
	case math.IsNaN(yes), yes < 0:
		yes = 0
	case yes > 1:
		yes = 1
	}
	y := decimal.NewFromFloat(yes).Mul(scale).Round(0)
	return y.BigInt(), scale.Sub(y).BigInt()
}

// MarketKey is the bytes32 identifier of a market on the ledger.
func MarketKey(marketID string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(marketID))
}

// RequestHash binds a market to its outcome URL and the response shape the
// attestation must match.
func RequestHash(callbackURL string) ([32]byte, error) {
	packed, err := requestArgs.Pack(
		callbackURL,
		attestMethod,
		attestEmptyJSON, // headers
		attestEmptyJSON, // query
		attestEmptyJSON, // body
		attestJQ,
		attestABISig,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ledger: pack request: %w", err)
	}
	return ethcrypto.Keccak256Hash(packed), nil
}
