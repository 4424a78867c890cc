package tradelog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/common"

	"keymarket/core/events"
	"keymarket/native/market"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("tradelog: store path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    executed_at   INTEGER NOT NULL,
    side          TEXT NOT NULL,
    subject       TEXT NOT NULL,
    trader        TEXT NOT NULL,
    amount        INTEGER NOT NULL,
    gross_value   TEXT NOT NULL,
    subject_fee   TEXT NOT NULL,
    protocol_fee  TEXT NOT NULL,
    settlement    TEXT NOT NULL,
    new_supply    INTEGER NOT NULL,
    new_spot      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_subject_idx ON trades(subject, executed_at);
`

// Store persists settled trade records for external indexing. It sits on the
// event bus as a fire-and-forget sink: insert failures are logged and
// swallowed so a committed trade never depends on the indexer.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger.With("component", "tradelog")}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit implements events.Emitter. Only trade events are recorded; everything
// else passes through untouched.
func (s *Store) Emit(evt events.Event) {
	traded, ok := evt.(market.TradeExecuted)
	if !ok || traded.Record == nil {
		return
	}
	if err := s.Record(traded.Record); err != nil {
		s.log.Error("record trade", "error", err, "subject", string(traded.Record.Subject))
	}
}

// Record inserts one settled trade.
func (s *Store) Record(record *market.TradeRecord) error {
	if s == nil || s.db == nil {
		return errors.New("tradelog: store not open")
	}
	settlement := record.NetProceeds
	if record.Side == market.TradeSideBuy {
		settlement = record.TotalPaid
	}
	_, err := s.db.Exec(
		`INSERT INTO trades (id, executed_at, side, subject, trader, amount, gross_value, subject_fee, protocol_fee, settlement, new_supply, new_spot)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		record.ExecutedAt,
		string(record.Side),
		string(record.Subject),
		common.Address(record.Trader).Hex(),
		record.Amount,
		bigString(record.GrossValue),
		bigString(record.SubjectFee),
		bigString(record.ProtocolFee),
		bigString(settlement),
		record.NewSupply,
		bigString(record.NewSpotPrice),
	)
	return err
}

// TradeRow is one indexed trade as read back from the store.
type TradeRow struct {
	ID          string
	ExecutedAt  int64
	Side        string
	Subject     string
	Trader      string
	Amount      uint64
	GrossValue  string
	SubjectFee  string
	ProtocolFee string
	Settlement  string
	NewSupply   uint64
	NewSpot     string
}

// BySubject returns the most recent trades for a subject, newest first.
func (s *Store) BySubject(subject string, limit int) ([]TradeRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, executed_at, side, subject, trader, amount, gross_value, subject_fee, protocol_fee, settlement, new_supply, new_spot
         FROM trades WHERE subject = ? ORDER BY executed_at DESC, id LIMIT ?`,
		subject, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRow
	for rows.Next() {
		var row TradeRow
		if err := rows.Scan(
			&row.ID, &row.ExecutedAt, &row.Side, &row.Subject, &row.Trader, &row.Amount,
			&row.GrossValue, &row.SubjectFee, &row.ProtocolFee, &row.Settlement,
			&row.NewSupply, &row.NewSpot,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
