package domain

// Money is an amount in minor currency units together with its ISO 4217 code.
type Money struct {
	Amount   int64  `json:"amount" validate:"gte=0"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

// NewMoney returns a Money value.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Currency: currency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// Add returns m + o. The currency of m is kept.
func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}
}

// Sub returns m - o floored at zero.
func (m Money) Sub(o Money) Money {
	amount := m.Amount - o.Amount
	if amount < 0 {
		amount = 0
	}
	return Money{Amount: amount, Currency: m.Currency}
}

// SameCurrency reports whether both values use the same currency code.
func (m Money) SameCurrency(o Money) bool {
	return m.Currency == o.Currency
}
