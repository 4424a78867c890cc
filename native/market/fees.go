package market

import "github.com/holiman/uint256"

// BpsDenominator converts basis points into WAD fractions.
const BpsDenominator = 10_000

// FeePolicy splits gross trade value between the subject and the protocol
// treasury. Rates are WAD fractions and must sum to strictly less than one.
type FeePolicy struct {
	SubjectFeeWad  *uint256.Int
	ProtocolFeeWad *uint256.Int
}

// FeePolicyFromBps builds a policy from basis-point rates, the unit used in
// configuration files.
func FeePolicyFromBps(subjectBps, protocolBps uint64) (FeePolicy, error) {
	scale := new(uint256.Int).Div(WAD, uint256.NewInt(BpsDenominator))
	policy := FeePolicy{
		SubjectFeeWad:  new(uint256.Int).Mul(uint256.NewInt(subjectBps), scale),
		ProtocolFeeWad: new(uint256.Int).Mul(uint256.NewInt(protocolBps), scale),
	}
	if err := policy.Validate(); err != nil {
		return FeePolicy{}, err
	}
	return policy, nil
}

// Validate enforces subjectRate + protocolRate < 1.
func (p FeePolicy) Validate() error {
	if p.SubjectFeeWad == nil || p.ProtocolFeeWad == nil {
		return ErrInvalidFeeParams
	}
	sum, overflow := new(uint256.Int).AddOverflow(p.SubjectFeeWad, p.ProtocolFeeWad)
	if overflow || !sum.Lt(WAD) {
		return ErrInvalidFeeParams
	}
	return nil
}

// BuyFees computes the fee split for a buy. Both fees are rounded up and
// added on top of gross, so totalDue = gross + subjectFee + protocolFee holds
// exactly and truncation can never short the fee recipients.
func (p FeePolicy) BuyFees(gross *uint256.Int) (subjectFee, protocolFee, totalDue *uint256.Int, err error) {
	subjectFee, err = MulWadUp(gross, p.SubjectFeeWad)
	if err != nil {
		return nil, nil, nil, err
	}
	protocolFee, err = MulWadUp(gross, p.ProtocolFeeWad)
	if err != nil {
		return nil, nil, nil, err
	}
	totalDue, overflow := new(uint256.Int).AddOverflow(gross, subjectFee)
	if overflow {
		return nil, nil, nil, ErrArithmeticOverflow
	}
	totalDue, overflow = totalDue.AddOverflow(totalDue, protocolFee)
	if overflow {
		return nil, nil, nil, ErrArithmeticOverflow
	}
	return subjectFee, protocolFee, totalDue, nil
}

// SellFees computes the fee split for a sell. Both fees are rounded down and
// subtracted from gross, so netProceeds = gross - subjectFee - protocolFee
// holds exactly and the system never pays out fractions it did not collect.
func (p FeePolicy) SellFees(gross *uint256.Int) (subjectFee, protocolFee, netProceeds *uint256.Int, err error) {
	subjectFee, err = MulWad(gross, p.SubjectFeeWad)
	if err != nil {
		return nil, nil, nil, err
	}
	protocolFee, err = MulWad(gross, p.ProtocolFeeWad)
	if err != nil {
		return nil, nil, nil, err
	}
	netProceeds = new(uint256.Int).Sub(gross, subjectFee)
	netProceeds = netProceeds.Sub(netProceeds, protocolFee)
	return subjectFee, protocolFee, netProceeds, nil
}
