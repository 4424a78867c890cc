package market

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"keymarket/core/events"
	"keymarket/core/types"
)

// RecipientResolver maps a subject identifier to the address that receives
// the subject's fee share. Implementations return ErrInvalidSubject (or the
// identity package's unregistered-handle error) when the subject cannot be
// resolved.
type RecipientResolver interface {
	ResolveSubject(id SubjectID) ([20]byte, error)
}

// TreasuryCell is the mutable protocol-fee recipient. Administration of who
// may change it lives outside the engine; the engine only reads it.
type TreasuryCell struct {
	mu   sync.RWMutex
	addr [20]byte
	set  bool
}

// NewTreasuryCell builds a cell pointing at the given address.
func NewTreasuryCell(addr [20]byte) *TreasuryCell {
	return &TreasuryCell{addr: addr, set: true}
}

// Address returns the current treasury address.
func (t *TreasuryCell) Address() ([20]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr, t.set
}

// SetAddress repoints the treasury.
func (t *TreasuryCell) SetAddress(addr [20]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addr = addr
	t.set = true
}

// Engine executes trades against a bonding curve: quote, validate, mutate
// the ledger, settle the value transfers, emit a record. Each trade is
// atomic; a failure at any step unwinds every write it made.
type Engine struct {
	ledger   *Ledger
	curve    Curve
	fees     FeePolicy
	resolver RecipientResolver
	treasury *TreasuryCell
	vault    [20]byte
	vaultSet bool
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine constructs an engine with default dependencies. The resolver,
// treasury, and reserve vault must be configured before trades execute.
func NewEngine(ledger *Ledger, curve Curve, fees FeePolicy) *Engine {
	return &Engine{
		ledger:  ledger,
		curve:   curve,
		fees:    fees,
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetResolver configures subject recipient resolution.
func (e *Engine) SetResolver(resolver RecipientResolver) { e.resolver = resolver }

// SetTreasury configures the protocol fee recipient cell.
func (e *Engine) SetTreasury(cell *TreasuryCell) { e.treasury = cell }

// SetReserveVault configures the account that holds gross buy value and
// funds sell proceeds.
func (e *Engine) SetReserveVault(addr [20]byte) {
	e.vault = addr
	e.vaultSet = true
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Curve exposes the configured curve, e.g. for RPC metadata.
func (e *Engine) Curve() Curve { return e.curve }

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) checkConfigured() error {
	if e == nil || e.ledger == nil {
		return ErrNilState
	}
	if e.resolver == nil {
		return ErrInvalidSubject
	}
	if e.treasury == nil {
		return ErrTreasuryNotSet
	}
	if _, ok := e.treasury.Address(); !ok {
		return ErrTreasuryNotSet
	}
	if !e.vaultSet {
		return ErrVaultNotSet
	}
	return nil
}

// subjectState loads the stored state or a fresh zero-value one.
func (e *Engine) subjectState(id SubjectID) (*SubjectState, bool, error) {
	state, ok, err := e.ledger.Subject(id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &SubjectState{SpotPrice: new(uint256.Int)}, false, nil
	}
	return state, true, nil
}

// QuoteBuy prices a buy without touching state.
func (e *Engine) QuoteBuy(id SubjectID, amount uint64) (*Quote, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilState
	}
	state, _, err := e.subjectState(id)
	if err != nil {
		return nil, err
	}
	gross, newSpot, err := e.curve.QuoteBuy(state.spot(), state.Supply, amount)
	if err != nil {
		return nil, err
	}
	subjectFee, protocolFee, totalDue, err := e.fees.BuyFees(gross)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Side:         TradeSideBuy,
		Amount:       amount,
		NewSpotPrice: newSpot,
		GrossValue:   gross,
		SubjectFee:   subjectFee,
		ProtocolFee:  protocolFee,
		TotalDue:     totalDue,
	}, nil
}

// QuoteSell prices a sell without touching state.
func (e *Engine) QuoteSell(id SubjectID, amount uint64) (*Quote, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilState
	}
	state, _, err := e.subjectState(id)
	if err != nil {
		return nil, err
	}
	gross, newSpot, err := e.curve.QuoteSell(state.spot(), state.Supply, amount)
	if err != nil {
		return nil, err
	}
	subjectFee, protocolFee, net, err := e.fees.SellFees(gross)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Side:         TradeSideSell,
		Amount:       amount,
		NewSpotPrice: newSpot,
		GrossValue:   gross,
		SubjectFee:   subjectFee,
		ProtocolFee:  protocolFee,
		NetProceeds:  net,
	}, nil
}

// ExecuteBuy settles a share purchase. payment is the value the trader
// attached; anything above the quoted total due is returned to them in the
// refund step. All validation happens before the first write, the subject's
// curve state is written before any value moves, and a failed write unwinds
// the whole trade.
func (e *Engine) ExecuteBuy(id SubjectID, trader [20]byte, amount uint64, payment *big.Int) (*TradeRecord, error) {
	if err := e.checkConfigured(); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	recipient, err := e.resolver.ResolveSubject(id)
	if err != nil {
		return nil, err
	}
	state, existed, err := e.subjectState(id)
	if err != nil {
		return nil, err
	}
	if state.Supply == 0 && e.curve.Bootstrap() == BootstrapSubjectOnly && trader != recipient {
		return nil, ErrBootstrapRestricted
	}
	gross, newSpot, err := e.curve.QuoteBuy(state.spot(), state.Supply, amount)
	if err != nil {
		return nil, err
	}
	subjectFee, protocolFee, totalDue, err := e.fees.BuyFees(gross)
	if err != nil {
		return nil, err
	}
	offered, err := paymentToUint256(payment)
	if err != nil {
		return nil, err
	}
	if offered.Lt(totalDue) {
		return nil, fmt.Errorf("%w: need %s, offered %s", ErrInsufficientPayment, totalDue.Dec(), offered.Dec())
	}
	refund := new(uint256.Int).Sub(offered, totalDue)

	accounts := newAccountCache(e.ledger)
	traderAcc, err := accounts.get(trader)
	if err != nil {
		return nil, err
	}
	offeredBig := offered.ToBig()
	if traderAcc.Balance.Cmp(offeredBig) < 0 {
		return nil, ErrInsufficientFunds
	}
	heldShares, err := e.ledger.SharesOf(id, trader)
	if err != nil {
		return nil, err
	}
	treasuryAddr, _ := e.treasury.Address()

	// Effects: the subject's curve state and the trader's share balance are
	// updated before any value transfer settles, so anything the transfers
	// trigger observes post-trade state.
	now := e.now()
	if !existed {
		state.CreatedAt = now
	}
	state.Supply += amount
	state.SpotPrice = newSpot
	state.UpdatedAt = now

	if err := accounts.debit(trader, offeredBig); err != nil {
		return nil, err
	}
	if err := accounts.credit(e.vault, gross.ToBig()); err != nil {
		return nil, err
	}
	if err := accounts.credit(recipient, subjectFee.ToBig()); err != nil {
		return nil, err
	}
	if err := accounts.credit(treasuryAddr, protocolFee.ToBig()); err != nil {
		return nil, err
	}
	if err := accounts.credit(trader, refund.ToBig()); err != nil {
		return nil, err
	}

	commit := e.ledger.Begin()
	if err := e.settle(commit, id, state, trader, heldShares+amount, accounts); err != nil {
		commit.Revert()
		return nil, err
	}

	record := &TradeRecord{
		Side:         TradeSideBuy,
		Subject:      id,
		Trader:       trader,
		Amount:       amount,
		GrossValue:   gross.ToBig(),
		SubjectFee:   subjectFee.ToBig(),
		ProtocolFee:  protocolFee.ToBig(),
		TotalPaid:    totalDue.ToBig(),
		Refund:       refund.ToBig(),
		NewSupply:    state.Supply,
		NewSpotPrice: newSpot.ToBig(),
		ExecutedAt:   now,
	}
	if !existed {
		e.emitter.Emit(SubjectActivated{Subject: id, Curve: e.curve.Name()})
	}
	e.emitter.Emit(TradeExecuted{Record: record.Clone()})
	return record, nil
}

// ExecuteSell settles a share sale: ledger mutation first, then net proceeds
// to the trader followed by the two fee transfers.
func (e *Engine) ExecuteSell(id SubjectID, trader [20]byte, amount uint64) (*TradeRecord, error) {
	if err := e.checkConfigured(); err != nil {
		return nil, err
	}
	recipient, err := e.resolver.ResolveSubject(id)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	heldShares, err := e.ledger.SharesOf(id, trader)
	if err != nil {
		return nil, err
	}
	if heldShares < amount {
		return nil, fmt.Errorf("%w: hold %d, selling %d", ErrInsufficientShares, heldShares, amount)
	}
	state, _, err := e.subjectState(id)
	if err != nil {
		return nil, err
	}
	gross, newSpot, err := e.curve.QuoteSell(state.spot(), state.Supply, amount)
	if err != nil {
		return nil, err
	}
	subjectFee, protocolFee, net, err := e.fees.SellFees(gross)
	if err != nil {
		return nil, err
	}
	accounts := newAccountCache(e.ledger)
	vaultAcc, err := accounts.get(e.vault)
	if err != nil {
		return nil, err
	}
	grossBig := gross.ToBig()
	if vaultAcc.Balance.Cmp(grossBig) < 0 {
		return nil, ErrReserveUnderfunded
	}
	treasuryAddr, _ := e.treasury.Address()

	now := e.now()
	state.Supply -= amount
	state.SpotPrice = newSpot
	state.UpdatedAt = now

	if err := accounts.debit(e.vault, grossBig); err != nil {
		return nil, err
	}
	if err := accounts.credit(trader, net.ToBig()); err != nil {
		return nil, err
	}
	if err := accounts.credit(recipient, subjectFee.ToBig()); err != nil {
		return nil, err
	}
	if err := accounts.credit(treasuryAddr, protocolFee.ToBig()); err != nil {
		return nil, err
	}

	commit := e.ledger.Begin()
	if err := e.settle(commit, id, state, trader, heldShares-amount, accounts); err != nil {
		commit.Revert()
		return nil, err
	}

	record := &TradeRecord{
		Side:         TradeSideSell,
		Subject:      id,
		Trader:       trader,
		Amount:       amount,
		GrossValue:   grossBig,
		SubjectFee:   subjectFee.ToBig(),
		ProtocolFee:  protocolFee.ToBig(),
		NetProceeds:  net.ToBig(),
		NewSupply:    state.Supply,
		NewSpotPrice: newSpot.ToBig(),
		ExecutedAt:   now,
	}
	e.emitter.Emit(TradeExecuted{Record: record.Clone()})
	return record, nil
}

// settle persists one trade's writes in checks-effects-interactions order:
// subject state, then the trader's share balance, then the account moves in
// the order they were staged.
func (e *Engine) settle(commit *Commit, id SubjectID, state *SubjectState, trader [20]byte, traderShares uint64, accounts *accountCache) error {
	if err := commit.PutSubject(id, state); err != nil {
		return err
	}
	if err := commit.PutShares(id, trader, traderShares); err != nil {
		return err
	}
	return accounts.flush(commit)
}

// Subject returns the stored state for a subject, if any.
func (e *Engine) Subject(id SubjectID) (*SubjectState, bool, error) {
	if e == nil || e.ledger == nil {
		return nil, false, ErrNilState
	}
	return e.ledger.Subject(id)
}

// SharesOf returns the trader's share balance for a subject.
func (e *Engine) SharesOf(id SubjectID, trader [20]byte) (uint64, error) {
	if e == nil || e.ledger == nil {
		return 0, ErrNilState
	}
	return e.ledger.SharesOf(id, trader)
}

// Mint credits newly issued currency to an address. It exists for genesis
// seeding and administrative funding; trades never create value.
func (e *Engine) Mint(addr [20]byte, amount *big.Int) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := e.ledger.Account(addr)
	if err != nil {
		return nil, err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	commit := e.ledger.Begin()
	if err := commit.PutAccount(addr, acc); err != nil {
		commit.Revert()
		return nil, err
	}
	return acc.Balance, nil
}

// AccountBalance returns the currency balance held by an address.
func (e *Engine) AccountBalance(addr [20]byte) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilState
	}
	acc, err := e.ledger.Account(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

func paymentToUint256(payment *big.Int) (*uint256.Int, error) {
	if payment == nil {
		return new(uint256.Int), nil
	}
	if payment.Sign() < 0 {
		return nil, ErrInsufficientPayment
	}
	offered, overflow := uint256.FromBig(payment)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return offered, nil
}

// accountCache loads each touched account once so a trader who is also the
// subject recipient (or the treasury) accumulates every move on one record,
// and flushes the dirty accounts in first-touch order.
type accountCache struct {
	ledger   *Ledger
	accounts map[[20]byte]*types.Account
	order    [][20]byte
}

func newAccountCache(ledger *Ledger) *accountCache {
	return &accountCache{ledger: ledger, accounts: make(map[[20]byte]*types.Account)}
}

func (c *accountCache) get(addr [20]byte) (*types.Account, error) {
	if acc, ok := c.accounts[addr]; ok {
		return acc, nil
	}
	acc, err := c.ledger.Account(addr)
	if err != nil {
		return nil, err
	}
	c.accounts[addr] = acc
	c.order = append(c.order, addr)
	return acc, nil
}

func (c *accountCache) credit(addr [20]byte, amount *big.Int) error {
	acc, err := c.get(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return nil
}

func (c *accountCache) debit(addr [20]byte, amount *big.Int) error {
	acc, err := c.get(addr)
	if err != nil {
		return err
	}
	if acc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amount)
	return nil
}

func (c *accountCache) flush(commit *Commit) error {
	for _, addr := range c.order {
		if err := commit.PutAccount(addr, c.accounts[addr]); err != nil {
			return err
		}
	}
	return nil
}
