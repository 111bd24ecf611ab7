package protocol

import (
	"fmt"
	"math/big"
	"strings"
)

// AssetDecimals is the decimal precision of the settlement asset. Wire
// amounts are decimal strings; ledger and cache arithmetic happens in base
// units.
const AssetDecimals = 6

var baseUnitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(AssetDecimals), nil)

// ParseAmount converts a decimal-string amount into base units. Negative
// amounts and amounts finer than the asset's precision are rejected.
func ParseAmount(amount string) (uint64, error) {
	trimmed := strings.TrimSpace(amount)
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %q", amount)
	}
	if rat.Sign() < 0 {
		return 0, fmt.Errorf("negative amount: %q", amount)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(baseUnitScale))
	if !scaled.IsInt() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", amount, AssetDecimals)
	}
	units := scaled.Num()
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %q out of range", amount)
	}
	return units.Uint64(), nil
}

// FormatAmount renders base units back into a decimal string with trailing
// zeros trimmed.
func FormatAmount(baseUnits uint64) string {
	rat := new(big.Rat).SetFrac(new(big.Int).SetUint64(baseUnits), baseUnitScale)
	text := rat.FloatString(AssetDecimals)
	text = strings.TrimRight(text, "0")
	text = strings.TrimRight(text, ".")
	if text == "" {
		return "0"
	}
	return text
}
