package market

import "github.com/holiman/uint256"

// WadDecimals is the fixed-point precision used for all ratio arithmetic.
const WadDecimals = 18

// WAD is 10^18, the unit of fixed-point ratios such as curve deltas and fee
// rates.
var WAD = uint256.NewInt(1_000_000_000_000_000_000)

// MulWad returns a*b/WAD truncated toward zero. Truncation is used whenever
// the result is value the system pays out.
func MulWad(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, WAD), nil
}

// MulWadUp returns a*b/WAD rounded toward positive infinity. Rounding up is
// used whenever the result is an obligation owed to the system.
func MulWadUp(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return ceilDiv(product, WAD)
}

// DivWad returns a*WAD/b truncated toward zero.
func DivWad(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	scaled, overflow := new(uint256.Int).MulOverflow(a, WAD)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return scaled.Div(scaled, b), nil
}

// DivWadUp returns a*WAD/b rounded toward positive infinity.
func DivWadUp(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	scaled, overflow := new(uint256.Int).MulOverflow(a, WAD)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return ceilDiv(scaled, b)
}

// RPow raises a fixed-point base to an integer exponent by repeated squaring,
// so an n-share quote costs O(log n) multiplications instead of n. scale is
// the fixed-point unit of base (WAD for curve deltas).
func RPow(base *uint256.Int, exponent uint64, scale *uint256.Int) (*uint256.Int, error) {
	if scale.IsZero() {
		return nil, ErrDivisionByZero
	}
	result := new(uint256.Int).Set(scale)
	factor := new(uint256.Int).Set(base)
	for exponent > 0 {
		if exponent&1 == 1 {
			product, overflow := new(uint256.Int).MulOverflow(result, factor)
			if overflow {
				return nil, ErrArithmeticOverflow
			}
			result = product.Div(product, scale)
		}
		exponent >>= 1
		if exponent == 0 {
			break
		}
		squared, overflow := new(uint256.Int).MulOverflow(factor, factor)
		if overflow {
			return nil, ErrArithmeticOverflow
		}
		factor = squared.Div(squared, scale)
	}
	return result, nil
}

// ceilDiv returns numerator/denominator rounded toward positive infinity.
func ceilDiv(numerator, denominator *uint256.Int) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrDivisionByZero
	}
	quotient := new(uint256.Int)
	remainder := new(uint256.Int)
	quotient.DivMod(numerator, denominator, remainder)
	if !remainder.IsZero() {
		sum, overflow := new(uint256.Int).AddOverflow(quotient, uint256.NewInt(1))
		if overflow {
			return nil, ErrArithmeticOverflow
		}
		quotient = sum
	}
	return quotient, nil
}

// mulDivUp returns a*b/denominator rounded up, failing if the intermediate
// product exceeds 256 bits.
func mulDivUp(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return ceilDiv(product, denominator)
}

// mulDiv returns a*b/denominator truncated, failing if the intermediate
// product exceeds 256 bits.
func mulDiv(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrDivisionByZero
	}
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, denominator), nil
}
