package market

import (
	"math/big"

	"github.com/holiman/uint256"
)

// SubjectID identifies the subject of a curve: either a lowercase registered
// handle or a 0x-prefixed address string. The ledger treats it as an opaque
// key; recipient resolution is the resolver's concern.
type SubjectID string

// TradeSide labels a trade direction in records and events.
type TradeSide string

const (
	// TradeSideBuy marks share purchases.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell marks share sales.
	TradeSideSell TradeSide = "sell"
)

// SubjectState is the persistent per-subject curve state. It is created
// lazily on the first buy and never deleted: a subject whose supply returns
// to zero keeps its residual spot price.
type SubjectState struct {
	Supply uint64
	// SpotPrice is zero for a subject that has never traded; the buy path
	// substitutes the curve's initial price.
	SpotPrice *uint256.Int
	CreatedAt int64
	UpdatedAt int64
}

// Clone returns a deep copy of the subject state.
func (s *SubjectState) Clone() *SubjectState {
	if s == nil {
		return nil
	}
	clone := *s
	if s.SpotPrice != nil {
		clone.SpotPrice = new(uint256.Int).Set(s.SpotPrice)
	}
	return &clone
}

// spot returns the stored spot price, normalised to a non-nil value.
func (s *SubjectState) spot() *uint256.Int {
	if s == nil || s.SpotPrice == nil {
		return new(uint256.Int)
	}
	return s.SpotPrice
}

// Quote is the transient result of pricing a trade. It is never persisted.
type Quote struct {
	Side         TradeSide
	Amount       uint64
	NewSpotPrice *uint256.Int
	// GrossValue is the cost for a buy or the raw proceeds for a sell,
	// before fees.
	GrossValue  *uint256.Int
	SubjectFee  *uint256.Int
	ProtocolFee *uint256.Int
	// TotalDue is gross plus both fees; set on buy quotes only.
	TotalDue *uint256.Int
	// NetProceeds is gross minus both fees; set on sell quotes only.
	NetProceeds *uint256.Int
}

// TradeRecord is the settled outcome of a trade, handed to the event sink
// and returned to the caller. Values are big.Int at this boundary to match
// the account ledger.
type TradeRecord struct {
	Side         TradeSide `json:"side"`
	Subject      SubjectID `json:"subject"`
	Trader       [20]byte  `json:"trader"`
	Amount       uint64    `json:"amount"`
	GrossValue   *big.Int  `json:"grossValue"`
	SubjectFee   *big.Int  `json:"subjectFee"`
	ProtocolFee  *big.Int  `json:"protocolFee"`
	TotalPaid    *big.Int  `json:"totalPaid,omitempty"`
	Refund       *big.Int  `json:"refund,omitempty"`
	NetProceeds  *big.Int  `json:"netProceeds,omitempty"`
	NewSupply    uint64    `json:"newSupply"`
	NewSpotPrice *big.Int  `json:"newSpotPrice"`
	ExecutedAt   int64     `json:"executedAt"`
}

// Clone returns a deep copy of the trade record.
func (r *TradeRecord) Clone() *TradeRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.GrossValue = copyBig(r.GrossValue)
	clone.SubjectFee = copyBig(r.SubjectFee)
	clone.ProtocolFee = copyBig(r.ProtocolFee)
	clone.TotalPaid = copyBig(r.TotalPaid)
	clone.Refund = copyBig(r.Refund)
	clone.NetProceeds = copyBig(r.NetProceeds)
	clone.NewSpotPrice = copyBig(r.NewSpotPrice)
	return &clone
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
