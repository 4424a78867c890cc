package market

import (
	"math"

	"github.com/holiman/uint256"
)

// BootstrapPolicy describes who may execute the first buy on an
// uninitialised subject.
type BootstrapPolicy uint8

const (
	// BootstrapOpen allows any trader to open a subject's curve.
	BootstrapOpen BootstrapPolicy = iota
	// BootstrapSubjectOnly reserves the first share for the subject itself,
	// so an unrelated trader cannot initialise someone else's curve.
	BootstrapSubjectOnly
)

// Curve quotes trades against a bonding curve. Implementations are pure:
// they never touch ledger state, they only map (spot price, supply, amount)
// to a gross value and the resulting spot price.
type Curve interface {
	Name() string
	QuoteBuy(spotPrice *uint256.Int, supply, amount uint64) (gross, newSpot *uint256.Int, err error)
	QuoteSell(spotPrice *uint256.Int, supply, amount uint64) (gross, newSpot *uint256.Int, err error)
	Bootstrap() BootstrapPolicy
}

// maxSpotPrice caps stored spot prices at 2^128-1 so quote intermediates
// (price * delta^n) stay well inside 256 bits.
var maxSpotPrice = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)

// CurveParams holds the immutable parameters of an exponential curve.
type CurveParams struct {
	// InitialPrice is substituted for a zero stored spot price on the buy
	// path, in smallest currency units.
	InitialPrice *uint256.Int
	// Delta is the per-share multiplicative price step as a WAD ratio,
	// strictly greater than WAD.
	Delta *uint256.Int
	// MinPrice is the sell-side floor. A spot price of exactly zero is an
	// absorbing state, so the floor must be positive.
	MinPrice *uint256.Int
}

// Validate checks the parameter invariants at construction time.
func (p CurveParams) Validate() error {
	if p.InitialPrice == nil || p.InitialPrice.IsZero() {
		return ErrInvalidCurveParams
	}
	if p.Delta == nil || !p.Delta.Gt(WAD) {
		return ErrInvalidCurveParams
	}
	if p.MinPrice == nil || p.MinPrice.IsZero() {
		return ErrInvalidCurveParams
	}
	if p.MinPrice.Gt(p.InitialPrice) {
		return ErrInvalidCurveParams
	}
	if p.InitialPrice.Gt(maxSpotPrice) {
		return ErrInvalidCurveParams
	}
	return nil
}

// ExponentialCurve multiplies the spot price by Delta on every share bought
// and divides it on every share sold. The instantaneous sell price is the
// spot price itself while the instantaneous buy price is spot*Delta; without
// that asymmetry a same-size buy-then-sell round trip would be risklessly
// profitable.
type ExponentialCurve struct {
	params CurveParams
}

// NewExponentialCurve validates the parameters and builds the curve.
func NewExponentialCurve(params CurveParams) (*ExponentialCurve, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &ExponentialCurve{params: CurveParams{
		InitialPrice: new(uint256.Int).Set(params.InitialPrice),
		Delta:        new(uint256.Int).Set(params.Delta),
		MinPrice:     new(uint256.Int).Set(params.MinPrice),
	}}, nil
}

// Name identifies the curve family in records and logs.
func (c *ExponentialCurve) Name() string { return "exponential" }

// Bootstrap reports that anyone may open an exponential curve.
func (c *ExponentialCurve) Bootstrap() BootstrapPolicy { return BootstrapOpen }

// Params returns a copy of the immutable curve parameters.
func (c *ExponentialCurve) Params() CurveParams {
	return CurveParams{
		InitialPrice: new(uint256.Int).Set(c.params.InitialPrice),
		Delta:        new(uint256.Int).Set(c.params.Delta),
		MinPrice:     new(uint256.Int).Set(c.params.MinPrice),
	}
}

// QuoteBuy prices a buy of amount shares. The cost of n shares bought
// sequentially, each share compounding the price by Delta, is the closed-form
// geometric series spot*Delta*(Delta^n - 1)/(Delta - 1), rounded up.
func (c *ExponentialCurve) QuoteBuy(spotPrice *uint256.Int, supply, amount uint64) (*uint256.Int, *uint256.Int, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	spot := spotPrice
	if spot == nil || spot.IsZero() {
		// Uninitialised subject: price off the configured starting point.
		spot = c.params.InitialPrice
	}
	deltaPowN, err := RPow(c.params.Delta, amount, WAD)
	if err != nil {
		return nil, nil, err
	}
	newSpot, err := MulWadUp(spot, deltaPowN)
	if err != nil {
		return nil, nil, err
	}
	if newSpot.Gt(maxSpotPrice) {
		return nil, nil, ErrSpotPriceOverflow
	}
	buyAnchor, err := MulWadUp(spot, c.params.Delta)
	if err != nil {
		return nil, nil, err
	}
	numerator := new(uint256.Int).Sub(deltaPowN, WAD)
	denominator := new(uint256.Int).Sub(c.params.Delta, WAD)
	gross, err := mulDivUp(buyAnchor, numerator, denominator)
	if err != nil {
		return nil, nil, err
	}
	return gross, newSpot, nil
}

// QuoteSell prices a sell of amount shares. Proceeds for n shares are the
// buy series rebased to the current spot, spot*delta*(Delta^n - 1) /
// (Delta^n * (Delta - 1)), with every division floored. Working from the
// same Delta^n the buy path computes keeps the two sides on one rounding
// boundary: selling into a price raised by n buys can never gross more than
// those buys cost.
func (c *ExponentialCurve) QuoteSell(spotPrice *uint256.Int, supply, amount uint64) (*uint256.Int, *uint256.Int, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	if amount > supply {
		return nil, nil, ErrInsufficientSupply
	}
	if spotPrice == nil || spotPrice.IsZero() {
		// A zero stored price with positive supply means the ledger is
		// corrupt; refuse to quote off it.
		return nil, nil, ErrSpotPriceUnderflow
	}
	deltaPowN, err := RPow(c.params.Delta, amount, WAD)
	if err != nil {
		return nil, nil, err
	}
	newSpot, err := mulDiv(spotPrice, WAD, deltaPowN)
	if err != nil {
		return nil, nil, err
	}
	if newSpot.Lt(c.params.MinPrice) {
		return nil, nil, ErrSpotPriceUnderflow
	}
	sellAnchor, err := mulDiv(spotPrice, c.params.Delta, deltaPowN)
	if err != nil {
		return nil, nil, err
	}
	numerator := new(uint256.Int).Sub(deltaPowN, WAD)
	denominator := new(uint256.Int).Sub(c.params.Delta, WAD)
	gross, err := mulDiv(sellAnchor, numerator, denominator)
	if err != nil {
		return nil, nil, err
	}
	return gross, newSpot, nil
}

// DefaultQuadraticDivisor matches the canonical sum-of-squares pricing scale:
// the unit at supply s costs s^2 * WAD / divisor.
const DefaultQuadraticDivisor = 16000

// QuadraticIntegralCurve derives the price from supply alone: the unit at
// supply s costs s^2*WAD/divisor, so a range of units is priced by the
// closed-form square-pyramidal sum rather than per-share iteration. The unit
// at supply zero costs nothing, which is why the first share is reserved for
// the subject.
type QuadraticIntegralCurve struct {
	divisor *uint256.Int
}

// NewQuadraticIntegralCurve builds the curve with the supplied price divisor.
func NewQuadraticIntegralCurve(divisor uint64) (*QuadraticIntegralCurve, error) {
	if divisor == 0 {
		return nil, ErrInvalidCurveParams
	}
	return &QuadraticIntegralCurve{divisor: uint256.NewInt(divisor)}, nil
}

// Name identifies the curve family in records and logs.
func (c *QuadraticIntegralCurve) Name() string { return "quadratic-integral" }

// Bootstrap reports that the first share may only be bought by the subject.
func (c *QuadraticIntegralCurve) Bootstrap() BootstrapPolicy { return BootstrapSubjectOnly }

// QuoteBuy prices a buy of amount shares starting at the current supply. The
// stored spot price is ignored; it is re-derived from the resulting supply.
func (c *QuadraticIntegralCurve) QuoteBuy(spotPrice *uint256.Int, supply, amount uint64) (*uint256.Int, *uint256.Int, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	if amount > math.MaxUint64-supply {
		return nil, nil, ErrArithmeticOverflow
	}
	rangeSum, err := sumOfSquares(supply, amount)
	if err != nil {
		return nil, nil, err
	}
	gross, err := mulDivUp(rangeSum, WAD, c.divisor)
	if err != nil {
		return nil, nil, err
	}
	newSpot, err := c.unitPrice(supply + amount)
	if err != nil {
		return nil, nil, err
	}
	return gross, newSpot, nil
}

// QuoteSell prices a sell of amount shares. The last outstanding share can
// never be sold: with the integral anchored at supply zero it has no
// well-defined counterpart value.
func (c *QuadraticIntegralCurve) QuoteSell(spotPrice *uint256.Int, supply, amount uint64) (*uint256.Int, *uint256.Int, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	if amount >= supply {
		return nil, nil, ErrInsufficientSupply
	}
	remaining := supply - amount
	rangeSum, err := sumOfSquares(remaining, amount)
	if err != nil {
		return nil, nil, err
	}
	gross, err := mulDiv(rangeSum, WAD, c.divisor)
	if err != nil {
		return nil, nil, err
	}
	newSpot, err := c.unitPrice(remaining)
	if err != nil {
		return nil, nil, err
	}
	return gross, newSpot, nil
}

// unitPrice returns the cost of the single unit at the given supply.
func (c *QuadraticIntegralCurve) unitPrice(supply uint64) (*uint256.Int, error) {
	s := uint256.NewInt(supply)
	square, overflow := new(uint256.Int).MulOverflow(s, s)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return mulDiv(square, WAD, c.divisor)
}

// sumOfSquares returns sum of k^2 for k in [from, from+count) via the
// square-pyramidal closed form P(m) = m(m+1)(2m+1)/6.
func sumOfSquares(from, count uint64) (*uint256.Int, error) {
	upper, err := squarePyramidal(from + count - 1)
	if err != nil {
		return nil, err
	}
	if from == 0 {
		return upper, nil
	}
	lower, err := squarePyramidal(from - 1)
	if err != nil {
		return nil, err
	}
	return upper.Sub(upper, lower), nil
}

func squarePyramidal(m uint64) (*uint256.Int, error) {
	if m == 0 {
		return new(uint256.Int), nil
	}
	x := uint256.NewInt(m)
	product, overflow := new(uint256.Int).MulOverflow(x, new(uint256.Int).AddUint64(x, 1))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	twoXPlusOne := new(uint256.Int).AddUint64(new(uint256.Int).Lsh(x, 1), 1)
	product, overflow = product.MulOverflow(product, twoXPlusOne)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, uint256.NewInt(6)), nil
}
