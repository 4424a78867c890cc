package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"keymarket/core/types"
)

const (
	// EventTypeTradeBuy is emitted after a buy settles.
	EventTypeTradeBuy = "market.trade.buy"
	// EventTypeTradeSell is emitted after a sell settles.
	EventTypeTradeSell = "market.trade.sell"
	// EventTypeSubjectActivated is emitted once, on a subject's first buy.
	EventTypeSubjectActivated = "market.subject.activated"
)

// TradeExecuted wraps a settled trade record for the event bus.
type TradeExecuted struct {
	Record *TradeRecord
}

// EventType implements events.Event.
func (e TradeExecuted) EventType() string {
	if e.Record != nil && e.Record.Side == TradeSideSell {
		return EventTypeTradeSell
	}
	return EventTypeTradeBuy
}

// Event renders the record as a generic attribute event.
func (e TradeExecuted) Event() *types.Event {
	r := e.Record
	if r == nil {
		return &types.Event{Type: e.EventType(), Attributes: map[string]string{}}
	}
	attrs := map[string]string{
		"subject":     string(r.Subject),
		"trader":      common.Address(r.Trader).Hex(),
		"amount":      formatUint(r.Amount),
		"gross":       formatAmount(r.GrossValue),
		"subjectFee":  formatAmount(r.SubjectFee),
		"protocolFee": formatAmount(r.ProtocolFee),
		"supply":      formatUint(r.NewSupply),
		"spotPrice":   formatAmount(r.NewSpotPrice),
	}
	if r.Side == TradeSideSell {
		attrs["netProceeds"] = formatAmount(r.NetProceeds)
	} else {
		attrs["totalPaid"] = formatAmount(r.TotalPaid)
		attrs["refund"] = formatAmount(r.Refund)
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}

// SubjectActivated records the irreversible Uninitialized -> Active
// transition of a subject.
type SubjectActivated struct {
	Subject SubjectID
	Curve   string
}

// EventType implements events.Event.
func (SubjectActivated) EventType() string { return EventTypeSubjectActivated }

// Event renders the activation as a generic attribute event.
func (e SubjectActivated) Event() *types.Event {
	return &types.Event{
		Type: EventTypeSubjectActivated,
		Attributes: map[string]string{
			"subject": string(e.Subject),
			"curve":   e.Curve,
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}
