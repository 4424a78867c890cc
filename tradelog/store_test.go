package tradelog

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"keymarket/native/market"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(executedAt int64, side market.TradeSide) *market.TradeRecord {
	record := &market.TradeRecord{
		Side:         side,
		Subject:      "alice",
		Trader:       [20]byte{19: 0x01},
		Amount:       2,
		GrossValue:   big.NewInt(1_000_100_000_000_000),
		SubjectFee:   big.NewInt(80_008_000_000_000),
		ProtocolFee:  big.NewInt(20_002_000_000_000),
		NewSupply:    3,
		NewSpotPrice: big.NewInt(1_000_300_030_001_000),
		ExecutedAt:   executedAt,
	}
	if side == market.TradeSideBuy {
		record.TotalPaid = big.NewInt(1_100_110_000_000_000)
		record.Refund = big.NewInt(0)
	} else {
		record.NetProceeds = big.NewInt(900_090_000_000_000)
	}
	return record
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", nil)
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestRecordAndQuery(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Record(testRecord(100, market.TradeSideBuy)))
	require.NoError(t, store.Record(testRecord(200, market.TradeSideSell)))
	require.NoError(t, store.Record(testRecord(300, market.TradeSideBuy)))

	rows, err := store.BySubject("alice", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Newest first.
	require.Equal(t, int64(300), rows[0].ExecutedAt)
	require.Equal(t, int64(100), rows[2].ExecutedAt)

	buy := rows[0]
	require.Equal(t, "buy", buy.Side)
	require.Equal(t, "alice", buy.Subject)
	require.Equal(t, uint64(2), buy.Amount)
	require.Equal(t, "1000100000000000", buy.GrossValue)
	// A buy settles at the total paid, a sell at the net proceeds.
	require.Equal(t, "1100110000000000", buy.Settlement)
	sell := rows[1]
	require.Equal(t, "900090000000000", sell.Settlement)
	require.NotEmpty(t, buy.ID)
	require.NotEqual(t, rows[0].ID, rows[1].ID)
}

func TestBySubjectLimit(t *testing.T) {
	store := openTestStore(t)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, store.Record(testRecord(i, market.TradeSideBuy)))
	}
	rows, err := store.BySubject("alice", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(4), rows[0].ExecutedAt)

	rows, err = store.BySubject("nobody", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestEmitRecordsTradeEvents(t *testing.T) {
	store := openTestStore(t)

	store.Emit(market.TradeExecuted{Record: testRecord(42, market.TradeSideBuy)})
	// Non-trade events and empty records pass through untouched.
	store.Emit(market.SubjectActivated{Subject: "alice", Curve: "exponential"})
	store.Emit(market.TradeExecuted{})

	rows, err := store.BySubject("alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(42), rows[0].ExecutedAt)
}
