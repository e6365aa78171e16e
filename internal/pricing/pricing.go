package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more decimals than the currency allows")
	ErrOverflow      = errors.New("amount out of range")
)

// Currency converts between display amounts ("5.50") and integer minor units.
type Currency struct {
	Code     string `json:"code"`
	Decimals int    `json:"decimals"`
}

func (c Currency) Validate() error {
	if c.Decimals < 0 || c.Decimals > 18 {
		return errors.New("invalid decimals")
	}
	return nil
}

// Parse converts a decimal string into minor units without rounding.
func (c Currency) Parse(amount string) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	amount = strings.TrimSpace(amount)
	if amount == "" || strings.HasPrefix(amount, "-") || strings.HasPrefix(amount, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) || (frac != "" && !digits(frac)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > c.Decimals {
		return 0, fmt.Errorf("%w: %q", ErrTooPrecise, amount)
	}
	frac += strings.Repeat("0", c.Decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, amount)
	}
	return v.Int64(), nil
}

func (c Currency) Format(units int64) string {
	neg := units < 0
	v := new(big.Int).Abs(big.NewInt(units))
	if c.Decimals <= 0 {
		if neg {
			return "-" + v.String()
		}
		return v.String()
	}
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.Decimals)), nil)
	whole, frac := new(big.Int).QuoRem(v, pow, new(big.Int))
	fs := frac.String()
	fs = strings.Repeat("0", c.Decimals-len(fs)) + fs
	out := whole.String() + "." + fs
	if neg {
		out = "-" + out
	}
	return out
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
