// Package access decides whether an inbound chat message may proceed and what it costs.
package access

import "github.com/shopspring/decimal"

// Kind is the outcome class of an access decision.
type Kind string

const (
	// KindFree admits the message against the monthly free quota.
	KindFree Kind = "FREE"
	// KindFanclubUnlimited admits the message without metering.
	KindFanclubUnlimited Kind = "FC_UNLIMITED"
	// KindCoinRequired admits the message once the message cost has been debited.
	KindCoinRequired Kind = "COIN_REQUIRED"
	// KindBlocked rejects the message; the decision carries upsell metadata.
	KindBlocked Kind = "BLOCKED"
)

// Plan is the user's spending capacity at decision time.
type Plan struct {
	CoinBalance int64
}

// Usage is the slice of the relationship the policy reads.
type Usage struct {
	IsFanclub               bool
	MonthlyFreeMessagesUsed int
}

// Terms are the character's commercial settings.
type Terms struct {
	FreeMessageLimit int
	MessageCost      int64
	FanclubPrice     decimal.Decimal
	Currency         string
}

// Decision is the evaluated outcome together with the metadata a caller needs to render an upsell.
type Decision struct {
	Kind                  Kind            `json:"kind"`
	FreeMessageLimit      int             `json:"free_message_limit"`
	FreeMessagesRemaining int             `json:"free_messages_remaining"`
	MessageCost           int64           `json:"message_cost"`
	CoinBalance           int64           `json:"coin_balance"`
	FanclubPrice          decimal.Decimal `json:"fanclub_price"`
	Currency              string          `json:"currency"`
}

// Allowed reports whether the message may proceed.
func (d Decision) Allowed() bool {
	return d.Kind != KindBlocked
}

// Metered reports whether the decision consumes the free quota.
func (d Decision) Metered() bool {
	return d.Kind == KindFree
}

// Evaluate maps the plan, the relationship usage and the character terms to a decision.
// The first matching rule wins: fan club, free quota, coins, blocked.
func Evaluate(plan Plan, usage Usage, terms Terms) Decision {
	remaining := terms.FreeMessageLimit - usage.MonthlyFreeMessagesUsed
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		FreeMessageLimit:      terms.FreeMessageLimit,
		FreeMessagesRemaining: remaining,
		MessageCost:           terms.MessageCost,
		CoinBalance:           plan.CoinBalance,
		FanclubPrice:          terms.FanclubPrice,
		Currency:              terms.Currency,
	}

	switch {
	case usage.IsFanclub:
		decision.Kind = KindFanclubUnlimited
	case usage.MonthlyFreeMessagesUsed < terms.FreeMessageLimit:
		decision.Kind = KindFree
	case plan.CoinBalance >= terms.MessageCost:
		decision.Kind = KindCoinRequired
	default:
		decision.Kind = KindBlocked
	}
	return decision
}

// Revoke turns an admitted coin decision into a blocked one after the debit lost a race.
// newBalance is the balance observed by the failed debit.
func (d Decision) Revoke(newBalance int64) Decision {
	d.Kind = KindBlocked
	d.CoinBalance = newBalance
	return d
}
