package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"keymarket/identity"
	"keymarket/native/market"
)

type quoteParams struct {
	Subject string `json:"subject"`
	Amount  uint64 `json:"amount"`
}

type tradeBuyParams struct {
	Subject string `json:"subject"`
	Trader  string `json:"trader"`
	Amount  uint64 `json:"amount"`
	Payment string `json:"payment"`
}

type tradeSellParams struct {
	Subject string `json:"subject"`
	Trader  string `json:"trader"`
	Amount  uint64 `json:"amount"`
}

type subjectParams struct {
	Subject string `json:"subject"`
}

type sharesParams struct {
	Subject string `json:"subject"`
	Holder  string `json:"holder"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type tradesParams struct {
	Subject string `json:"subject"`
	Limit   int    `json:"limit,omitempty"`
}

type mintParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type setTreasuryParams struct {
	Address string `json:"address"`
}

type quoteResult struct {
	Side         string `json:"side"`
	Amount       uint64 `json:"amount"`
	NewSpotPrice string `json:"newSpotPrice"`
	GrossValue   string `json:"grossValue"`
	SubjectFee   string `json:"subjectFee"`
	ProtocolFee  string `json:"protocolFee"`
	TotalDue     string `json:"totalDue,omitempty"`
	NetProceeds  string `json:"netProceeds,omitempty"`
}

type tradeResult struct {
	Side         string `json:"side"`
	Subject      string `json:"subject"`
	Trader       string `json:"trader"`
	Amount       uint64 `json:"amount"`
	GrossValue   string `json:"grossValue"`
	SubjectFee   string `json:"subjectFee"`
	ProtocolFee  string `json:"protocolFee"`
	TotalPaid    string `json:"totalPaid,omitempty"`
	Refund       string `json:"refund,omitempty"`
	NetProceeds  string `json:"netProceeds,omitempty"`
	NewSupply    uint64 `json:"newSupply"`
	NewSpotPrice string `json:"newSpotPrice"`
	ExecutedAt   int64  `json:"executedAt"`
}

type subjectResult struct {
	Subject   string `json:"subject"`
	Active    bool   `json:"active"`
	Supply    uint64 `json:"supply"`
	SpotPrice string `json:"spotPrice"`
	Curve     string `json:"curve"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

func firstParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseSubject(raw string) (market.SubjectID, error) {
	return identity.NormalizeSubject(raw)
}

func parseTrader(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid trader address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parsePayment(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid payment %q", raw)
	}
	return value, nil
}

func uint256String(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func quoteToResult(q *market.Quote) quoteResult {
	result := quoteResult{
		Side:         string(q.Side),
		Amount:       q.Amount,
		NewSpotPrice: uint256String(q.NewSpotPrice),
		GrossValue:   uint256String(q.GrossValue),
		SubjectFee:   uint256String(q.SubjectFee),
		ProtocolFee:  uint256String(q.ProtocolFee),
	}
	if q.TotalDue != nil {
		result.TotalDue = uint256String(q.TotalDue)
	}
	if q.NetProceeds != nil {
		result.NetProceeds = uint256String(q.NetProceeds)
	}
	return result
}

func recordToResult(r *market.TradeRecord) tradeResult {
	result := tradeResult{
		Side:         string(r.Side),
		Subject:      string(r.Subject),
		Trader:       common.Address(r.Trader).Hex(),
		Amount:       r.Amount,
		GrossValue:   bigIntString(r.GrossValue),
		SubjectFee:   bigIntString(r.SubjectFee),
		ProtocolFee:  bigIntString(r.ProtocolFee),
		NewSupply:    r.NewSupply,
		NewSpotPrice: bigIntString(r.NewSpotPrice),
		ExecutedAt:   r.ExecutedAt,
	}
	if r.Side == market.TradeSideBuy {
		result.TotalPaid = bigIntString(r.TotalPaid)
		result.Refund = bigIntString(r.Refund)
	} else {
		result.NetProceeds = bigIntString(r.NetProceeds)
	}
	return result
}

func (s *Server) handleQuoteBuy(w http.ResponseWriter, req *RPCRequest) {
	var params quoteParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	quote, err := s.engine.QuoteBuy(subject, params.Amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, quoteToResult(quote))
}

func (s *Server) handleQuoteSell(w http.ResponseWriter, req *RPCRequest) {
	var params quoteParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	quote, err := s.engine.QuoteSell(subject, params.Amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, quoteToResult(quote))
}

func (s *Server) handleBuy(w http.ResponseWriter, req *RPCRequest) {
	var params tradeBuyParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	trader, err := parseTrader(params.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	payment, err := parsePayment(params.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	record, err := s.engine.ExecuteBuy(subject, trader, params.Amount, payment)
	if err != nil {
		s.metrics.ObserveTradeError(string(market.TradeSideBuy), reasonLabel(err))
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.observeTrade(record)
	writeResult(w, req.ID, recordToResult(record))
}

func (s *Server) handleSell(w http.ResponseWriter, req *RPCRequest) {
	var params tradeSellParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	trader, err := parseTrader(params.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	record, err := s.engine.ExecuteSell(subject, trader, params.Amount)
	if err != nil {
		s.metrics.ObserveTradeError(string(market.TradeSideSell), reasonLabel(err))
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.observeTrade(record)
	writeResult(w, req.ID, recordToResult(record))
}

func (s *Server) handleSubject(w http.ResponseWriter, req *RPCRequest) {
	var params subjectParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	state, active, err := s.engine.Subject(subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	result := subjectResult{
		Subject: string(subject),
		Active:  active,
		Curve:   s.engine.Curve().Name(),
	}
	if active {
		result.Supply = state.Supply
		result.SpotPrice = uint256String(state.SpotPrice)
		result.CreatedAt = state.CreatedAt
		result.UpdatedAt = state.UpdatedAt
	} else {
		result.SpotPrice = "0"
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleShares(w http.ResponseWriter, req *RPCRequest) {
	var params sharesParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	holder, err := parseTrader(params.Holder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	count, err := s.engine.SharesOf(subject, holder)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"subject": string(subject),
		"holder":  common.Address(holder).Hex(),
		"shares":  count,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, req *RPCRequest) {
	var params balanceParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := parseTrader(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	balance, err := s.engine.AccountBalance(addr)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": common.Address(addr).Hex(),
		"balance": bigIntString(balance),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, req *RPCRequest) {
	if s.trades == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "trade log not enabled")
		return
	}
	var params tradesParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	subject, err := parseSubject(params.Subject)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	rows, err := s.trades.BySubject(string(subject), params.Limit)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, rows)
}

func (s *Server) handleMint(w http.ResponseWriter, req *RPCRequest) {
	var params mintParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := parseTrader(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(params.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("invalid amount %q", params.Amount))
		return
	}
	balance, err := s.engine.Mint(addr, amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.log.Info("minted", "address", common.Address(addr).Hex(), "amount", amount.String())
	writeResult(w, req.ID, map[string]string{
		"address": common.Address(addr).Hex(),
		"balance": bigIntString(balance),
	})
}

func (s *Server) handleSetTreasury(w http.ResponseWriter, req *RPCRequest) {
	var params setTreasuryParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := parseTrader(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	s.treasury.SetAddress(addr)
	s.log.Info("treasury updated", "address", common.Address(addr).Hex())
	writeResult(w, req.ID, map[string]string{"treasury": common.Address(addr).Hex()})
}

func (s *Server) observeTrade(record *market.TradeRecord) {
	gross, _ := new(big.Float).SetInt(record.GrossValue).Float64()
	subjectFee, _ := new(big.Float).SetInt(record.SubjectFee).Float64()
	protocolFee, _ := new(big.Float).SetInt(record.ProtocolFee).Float64()
	s.metrics.ObserveTrade(string(record.Side), gross, subjectFee, protocolFee)
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, market.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, market.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, market.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, market.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, market.ErrInsufficientSupply):
		return "insufficient_supply"
	case errors.Is(err, market.ErrSpotPriceOverflow):
		return "price_overflow"
	case errors.Is(err, market.ErrSpotPriceUnderflow):
		return "price_underflow"
	case errors.Is(err, market.ErrBootstrapRestricted):
		return "bootstrap_restricted"
	case errors.Is(err, identity.ErrUnregisteredHandle):
		return "unregistered_handle"
	default:
		return "other"
	}
}
