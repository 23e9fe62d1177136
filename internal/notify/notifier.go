package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
)

var ErrNoRecipient = errors.New("notify: no recipient address")

// Notifier renders user-facing withdrawal emails. Messages for approved
// withdrawals are identical to direct ones, and rejection sends the same
// notice as a failed payment.
type Notifier struct {
	dispatcher Dispatcher
	appURL     string
}

func NewNotifier(dispatcher Dispatcher, appURL string) *Notifier {
	return &Notifier{dispatcher: dispatcher, appURL: appURL}
}

// BitcoinSent tells the user their withdrawal was paid.
func (n *Notifier) BitcoinSent(ctx context.Context, to, name string, amountSats int64, paymentHash string) error {
	if to == "" {
		return ErrNoRecipient
	}
	body := fmt.Sprintf(`<p>Hi %s,</p>
<p>You sent <strong>%s sats</strong> (%s BTC) from your Ganamos! wallet.</p>
<p>Payment hash: <code>%s</code></p>
<p><a href="%s/wallet">View your wallet</a></p>`,
		html.EscapeString(displayName(name)),
		FormatSats(amountSats),
		FormatBTC(amountSats),
		html.EscapeString(paymentHash),
		n.appURL,
	)

	return n.dispatcher.Dispatch(ctx, Message{
		To:      to,
		Subject: fmt.Sprintf("Bitcoin sent: %s sats", FormatSats(amountSats)),
		HTML:    body,
	})
}

// WithdrawalFailed is the generic notice for a withdrawal that did not go
// through, whatever the reason.
func (n *Notifier) WithdrawalFailed(ctx context.Context, to, name string, amountSats int64) error {
	if to == "" {
		return ErrNoRecipient
	}
	body := fmt.Sprintf(`<p>Hi %s,</p>
<p>Your withdrawal of <strong>%s sats</strong> could not be completed. Your balance has not been charged.</p>
<p>Please try again with a new invoice.</p>
<p><a href="%s/wallet">View your wallet</a></p>`,
		html.EscapeString(displayName(name)),
		FormatSats(amountSats),
		n.appURL,
	)

	return n.dispatcher.Dispatch(ctx, Message{
		To:      to,
		Subject: "Your withdrawal could not be completed",
		HTML:    body,
	})
}

func displayName(name string) string {
	if name == "" {
		return "there"
	}
	return name
}
