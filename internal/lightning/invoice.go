package lightning

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidInvoice   = errors.New("invalid lightning invoice")
	ErrSubSatoshiAmount = errors.New("invoice amount is not a whole number of sats")
)

// Longest prefixes first so lnbcrt is not read as lnbc with amount "rt".
var networkPrefixes = []string{"lnbcrt", "lntbs", "lnbc", "lntb", "lnsb"}

// Invoice is the part of a BOLT11 payment request readable without
// decoding the bech32 data section.
type Invoice struct {
	Network   string
	AmountSat int64
	HasAmount bool
}

// ParseInvoice reads the human-readable prefix of a BOLT11 invoice.
func ParseInvoice(paymentRequest string) (*Invoice, error) {
	pr := strings.ToLower(strings.TrimSpace(paymentRequest))
	pr = strings.TrimPrefix(pr, "lightning:")

	sep := strings.LastIndexByte(pr, '1')
	if sep < 0 || sep+7 > len(pr) {
		return nil, ErrInvalidInvoice
	}
	hrp := pr[:sep]

	var network string
	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(hrp, prefix) {
			network = prefix[2:]
			break
		}
	}
	if network == "" {
		return nil, ErrInvalidInvoice
	}

	inv := &Invoice{Network: network}
	amount := hrp[len("ln")+len(network):]
	if amount == "" {
		return inv, nil
	}

	sats, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	inv.AmountSat = sats
	inv.HasAmount = true
	return inv, nil
}

// parseAmount converts a BOLT11 amount (e.g. "2500u") to sats.
func parseAmount(amount string) (int64, error) {
	multiplier := amount[len(amount)-1]
	digits := amount
	// millisatoshis per unit of the multiplier, in tenths to cover pico
	var tenthMsatPerUnit int64
	switch multiplier {
	case 'm':
		tenthMsatPerUnit = 1_000_000_000
	case 'u':
		tenthMsatPerUnit = 1_000_000
	case 'n':
		tenthMsatPerUnit = 1_000
	case 'p':
		tenthMsatPerUnit = 1
	default:
		if multiplier < '0' || multiplier > '9' {
			return 0, ErrInvalidInvoice
		}
		tenthMsatPerUnit = 1_000_000_000_000
	}
	if multiplier < '0' || multiplier > '9' {
		digits = amount[:len(amount)-1]
	}
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return 0, ErrInvalidInvoice
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidInvoice
	}
	if n > (1<<62)/tenthMsatPerUnit {
		return 0, fmt.Errorf("%w: amount overflows", ErrInvalidInvoice)
	}

	tenthMsat := n * tenthMsatPerUnit
	if tenthMsat%10_000 != 0 {
		return 0, ErrSubSatoshiAmount
	}
	return tenthMsat / 10_000, nil
}

// ValidatePaymentRequest checks the invoice prefix and, when the invoice
// carries an amount, that it matches the requested amount.
func ValidatePaymentRequest(paymentRequest string, amount int64) error {
	inv, err := ParseInvoice(paymentRequest)
	if err != nil {
		return err
	}
	if inv.HasAmount && inv.AmountSat != amount {
		return fmt.Errorf("invoice amount %d sats does not match requested %d sats", inv.AmountSat, amount)
	}
	return nil
}
