package notify

import (
	"strconv"

	"github.com/shopspring/decimal"
)

const btcDecimals = 8

// FormatBTC renders a sats amount as a BTC string, e.g. 1000 -> "0.00001".
func FormatBTC(sats int64) string {
	return decimal.NewFromInt(sats).Shift(-btcDecimals).String()
}

// FormatSats renders a sats amount with thousands separators.
func FormatSats(sats int64) string {
	neg := sats < 0
	if neg {
		sats = -sats
	}
	s := strconv.FormatInt(sats, 10)

	out := make([]byte, 0, len(s)+len(s)/3+1)
	if neg {
		out = append(out, '-')
	}
	pre := len(s) % 3
	if pre == 0 {
		pre = 3
	}
	out = append(out, s[:pre]...)
	for i := pre; i < len(s); i += 3 {
		out = append(out, ',')
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
