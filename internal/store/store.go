package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the SQLite journal of simulator outcomes. It records what the
// driver observed; the order book is never reloaded from it.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the journal at dbPath and applies migrations.
// ":memory:" gives a private in-process database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps :memory: on a single database and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one simulator process lifetime
type Run struct {
	ID             string
	Capacity       int
	MaxInstruments int
	FinalCount     sql.NullInt64
	StartedAt      time.Time
	EndedAt        sql.NullTime
}

// OrderRecord is a submission as the driver saw it
type OrderRecord struct {
	Slot       int
	BotID      string
	Side       string
	Instrument int
	Quantity   int64
	Price      int64 // in cents
	Accepted   bool
	Reason     string
	CreatedAt  time.Time
}

// TradeRecord is an executed trade
type TradeRecord struct {
	ID         string    `json:"id"`
	Instrument int       `json:"instrument"`
	Quantity   int64     `json:"quantity"`
	BuyPrice   int64     `json:"buy_price"`  // in cents
	SellPrice  int64     `json:"sell_price"` // in cents
	BuySlot    int       `json:"buy_slot"`
	SellSlot   int       `json:"sell_slot"`
	CreatedAt  time.Time `json:"created_at"`
}

// NoMatchRecord is a matching pass that found nothing to trade
type NoMatchRecord struct {
	Instrument int
	BestBuy    sql.NullInt64
	BestSell   sql.NullInt64
	CreatedAt  time.Time
}

// RunSummary aggregates one run's journal
type RunSummary struct {
	RunID     string `json:"run_id"`
	Accepted  int64  `json:"accepted"`
	Rejected  int64  `json:"rejected"`
	Trades    int64  `json:"trades"`
	Volume    int64  `json:"volume"`
	NoMatches int64  `json:"no_matches"`
}

// StartRun registers a new run and returns its id
func (s *Store) StartRun(capacity, maxInstruments int) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		"INSERT INTO runs (id, capacity, max_instruments, started_at) VALUES (?, ?, ?, ?)",
		id, capacity, maxInstruments, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// EndRun stamps the run with its final reserved-order count
func (s *Store) EndRun(runID string, finalCount int) error {
	_, err := s.db.Exec(
		"UPDATE runs SET final_count = ?, ended_at = ? WHERE id = ?",
		finalCount, time.Now(), runID,
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// GetRun returns a run by id
func (s *Store) GetRun(runID string) (*Run, error) {
	var r Run
	err := s.db.QueryRow(`
		SELECT id, capacity, max_instruments, final_count, started_at, ended_at
		FROM runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.Capacity, &r.MaxInstruments, &r.FinalCount, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func insertOrder(tx *sql.Tx, runID string, o OrderRecord) error {
	_, err := tx.Exec(`
		INSERT INTO orders (run_id, slot, bot_id, side, instrument, quantity, price, accepted, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, o.Slot, o.BotID, o.Side, o.Instrument, o.Quantity, o.Price, o.Accepted, o.Reason, o.CreatedAt)
	return err
}

func insertTrade(tx *sql.Tx, runID string, t TradeRecord) error {
	_, err := tx.Exec(`
		INSERT INTO trades (id, run_id, instrument, quantity, buy_price, sell_price, buy_slot, sell_slot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, runID, t.Instrument, t.Quantity, t.BuyPrice, t.SellPrice, t.BuySlot, t.SellSlot, t.CreatedAt)
	return err
}

func insertNoMatch(tx *sql.Tx, runID string, n NoMatchRecord) error {
	_, err := tx.Exec(`
		INSERT INTO no_matches (run_id, instrument, best_buy, best_sell, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, n.Instrument, n.BestBuy, n.BestSell, n.CreatedAt)
	return err
}

// GetRecentTrades returns the last limit trades of a run, most recent last
func (s *Store) GetRecentTrades(runID string, limit int) ([]TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, instrument, quantity, buy_price, sell_price, buy_slot, sell_slot, created_at
		FROM (
			SELECT rowid AS seq, * FROM trades
			WHERE run_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID, &t.Instrument, &t.Quantity, &t.BuyPrice, &t.SellPrice,
			&t.BuySlot, &t.SellSlot, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetOrders returns every journaled submission of a run in insertion order
func (s *Store) GetOrders(runID string) ([]OrderRecord, error) {
	rows, err := s.db.Query(`
		SELECT slot, bot_id, side, instrument, quantity, price, accepted, reason, created_at
		FROM orders
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(
			&o.Slot, &o.BotID, &o.Side, &o.Instrument, &o.Quantity, &o.Price,
			&o.Accepted, &o.Reason, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Summary counts a run's journal entries
func (s *Store) Summary(runID string) (RunSummary, error) {
	sum := RunSummary{RunID: runID}
	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN accepted THEN 0 ELSE 1 END), 0)
		FROM orders WHERE run_id = ?
	`, runID).Scan(&sum.Accepted, &sum.Rejected)
	if err != nil {
		return sum, err
	}

	err = s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(quantity), 0) FROM trades WHERE run_id = ?",
		runID,
	).Scan(&sum.Trades, &sum.Volume)
	if err != nil {
		return sum, err
	}

	err = s.db.QueryRow("SELECT COUNT(*) FROM no_matches WHERE run_id = ?", runID).Scan(&sum.NoMatches)
	return sum, err
}
