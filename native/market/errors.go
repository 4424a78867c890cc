package market

import "errors"

var (
	// ErrNilState is returned when the engine is used before its ledger is
	// configured.
	ErrNilState = errors.New("market engine: ledger not configured")
	// ErrInvalidAmount is returned when a trade size of zero is requested.
	ErrInvalidAmount = errors.New("market engine: amount must be positive")
	// ErrInsufficientPayment is returned when the offered payment does not
	// cover the gross cost plus both fees.
	ErrInsufficientPayment = errors.New("market engine: payment below total due")
	// ErrInsufficientFunds is returned when the trader's account cannot cover
	// the offered payment.
	ErrInsufficientFunds = errors.New("market engine: insufficient balance")
	// ErrInsufficientShares is returned when a sell exceeds the trader's
	// holdings for the subject.
	ErrInsufficientShares = errors.New("market engine: insufficient shares")
	// ErrInsufficientSupply is returned when a sell would liquidate the last
	// outstanding unit of an integral-priced curve.
	ErrInsufficientSupply = errors.New("market engine: sell exceeds tradable supply")
	// ErrSpotPriceOverflow is returned when a buy would push the spot price
	// past the maximum representable stored price.
	ErrSpotPriceOverflow = errors.New("market engine: spot price overflow")
	// ErrSpotPriceUnderflow is returned when a sell would drop the spot price
	// below the configured floor.
	ErrSpotPriceUnderflow = errors.New("market engine: spot price below floor")
	// ErrArithmeticOverflow is returned when a fixed-point intermediate
	// exceeds 256 bits.
	ErrArithmeticOverflow = errors.New("market engine: arithmetic overflow")
	// ErrDivisionByZero is returned by the fixed-point helpers on a zero
	// divisor.
	ErrDivisionByZero = errors.New("market engine: division by zero")
	// ErrInvalidSubject is returned when the subject identifier cannot be
	// resolved to a payable recipient.
	ErrInvalidSubject = errors.New("market engine: unresolvable subject")
	// ErrBootstrapRestricted is returned when someone other than the subject
	// attempts the first buy on a subject-gated curve.
	ErrBootstrapRestricted = errors.New("market engine: first share reserved for the subject")
	// ErrReserveUnderfunded is returned when the reserve vault cannot cover
	// sell proceeds. It indicates ledger corruption and aborts the trade.
	ErrReserveUnderfunded = errors.New("market engine: reserve vault underfunded")
	// ErrTreasuryNotSet is returned when the protocol fee recipient has not
	// been configured.
	ErrTreasuryNotSet = errors.New("market engine: treasury not configured")
	// ErrVaultNotSet is returned when the reserve vault address has not been
	// configured.
	ErrVaultNotSet = errors.New("market engine: reserve vault not configured")
	// ErrInvalidCurveParams is returned at construction for parameters that
	// violate the curve invariants (delta <= 1, zero floor, zero divisor).
	ErrInvalidCurveParams = errors.New("market engine: invalid curve parameters")
	// ErrInvalidFeeParams is returned when the configured fee rates do not
	// leave the trader a positive share of gross value.
	ErrInvalidFeeParams = errors.New("market engine: invalid fee parameters")
)
