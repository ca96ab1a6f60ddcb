package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/game"
)

// SQLiteDB implements DB on a local SQLite file.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (creating if needed) the database at path and runs
// migrations. Pass ":memory:" for an ephemeral database in tests.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is not concurrent for writes

	s := &SQLiteDB{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
			id INTEGER PRIMARY KEY,
			prize_pool INTEGER NOT NULL DEFAULT 0,
			entry_count INTEGER NOT NULL DEFAULT 0,
			outcome_move INTEGER,
			winning_move INTEGER,
			winner_count INTEGER NOT NULL DEFAULT 0,
			share_per_winner INTEGER NOT NULL DEFAULT 0,
			remainder INTEGER NOT NULL DEFAULT 0,
			settled INTEGER NOT NULL DEFAULT 0,
			settled_at TIMESTAMP,
			swept INTEGER NOT NULL DEFAULT 0,
			swept_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_settled ON rounds(settled, id);`,

		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			round_id INTEGER NOT NULL,
			participant TEXT NOT NULL,
			move INTEGER NOT NULL,
			fee INTEGER NOT NULL,
			net INTEGER NOT NULL,
			tx_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(round_id, participant),
			FOREIGN KEY(round_id) REFERENCES rounds(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_round ON entries(round_id);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_participant ON entries(participant);`,

		`CREATE TABLE IF NOT EXISTS payouts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id INTEGER NOT NULL,
			participant TEXT NOT NULL,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL,
			tx_id TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(round_id, participant),
			FOREIGN KEY(round_id) REFERENCES rounds(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status, updated_at);`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --------- Rounds ---------

const roundColumns = `id, prize_pool, entry_count, outcome_move, winning_move,
	winner_count, share_per_winner, remainder, settled, settled_at, swept, swept_at, created_at`

func scanRound(row interface{ Scan(...any) error }) (*Round, error) {
	var (
		r       Round
		outcome sql.NullInt64
		winning sql.NullInt64
		settled sql.NullTime
		sweptAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PrizePool, &r.EntryCount, &outcome, &winning,
		&r.WinnerCount, &r.SharePerWinner, &r.Remainder, &r.Settled, &settled,
		&r.Swept, &sweptAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if outcome.Valid {
		mv := game.Move(outcome.Int64)
		r.OutcomeMove = &mv
	}
	if winning.Valid {
		mv := game.Move(winning.Int64)
		r.WinningMove = &mv
	}
	if settled.Valid {
		t := settled.Time
		r.SettledAt = &t
	}
	if sweptAt.Valid {
		t := sweptAt.Time
		r.SweptAt = &t
	}
	return &r, nil
}

// GetRound returns the stored round record.
func (s *SQLiteDB) GetRound(ctx context.Context, id int64) (*Round, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id=?`, id)
	r, err := scanRound(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// ensureRound materializes the round row inside tx if it does not exist yet.
func ensureRound(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rounds(id, created_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		id, now.UTC())
	return err
}

// InsertEntry commits a confirmed entry and its pool contribution atomically.
func (s *SQLiteDB) InsertEntry(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("generate entry id: %w", err)
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRound(ctx, tx, entry.RoundID, entry.CreatedAt); err != nil {
		return err
	}

	var settled bool
	if err := tx.QueryRowContext(ctx,
		`SELECT settled FROM rounds WHERE id=?`, entry.RoundID).Scan(&settled); err != nil {
		return err
	}
	if settled {
		return ErrRoundSettled
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries(id, round_id, participant, move, fee, net, tx_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RoundID, entry.Participant, entry.Move,
		entry.Fee, entry.Net, entry.TxID, entry.CreatedAt.UTC())
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicateEntry
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rounds SET prize_pool = prize_pool + ?, entry_count = entry_count + 1 WHERE id=?`,
		entry.Net, entry.RoundID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetEntry returns a participant's confirmed entry for a round.
func (s *SQLiteDB) GetEntry(ctx context.Context, roundID int64, participant string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, round_id, participant, move, fee, net, tx_id, created_at
		 FROM entries WHERE round_id=? AND participant=?`,
		roundID, participant).
		Scan(&e.ID, &e.RoundID, &e.Participant, &e.Move, &e.Fee, &e.Net, &e.TxID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntries returns a round's confirmed entries in submission order.
func (s *SQLiteDB) ListEntries(ctx context.Context, roundID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, participant, move, fee, net, tx_id, created_at
		 FROM entries WHERE round_id=? ORDER BY created_at, rowid`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RoundID, &e.Participant, &e.Move, &e.Fee, &e.Net, &e.TxID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SettleRound freezes the round with compare-and-set semantics on the
// settled flag.
func (s *SQLiteDB) SettleRound(ctx context.Context, id int64, res SettleResult) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRound(ctx, tx, id, now); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE rounds SET outcome_move=?, winning_move=?, winner_count=?,
			share_per_winner=?, remainder=?, settled=1, settled_at=?
		 WHERE id=? AND settled=0`,
		res.OutcomeMove, res.WinningMove, res.WinnerCount,
		res.SharePerWinner, res.Remainder, now, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoundSettled
	}

	return tx.Commit()
}

// --------- Payouts ---------

// InsertPayout records a winner's pending share.
func (s *SQLiteDB) InsertPayout(ctx context.Context, payout *Payout) error {
	now := time.Now().UTC()
	if payout.Status == "" {
		payout.Status = PayoutPending
	}
	payout.CreatedAt = now
	payout.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payouts(round_id, participant, amount, status, tx_id, attempts, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, 0, ?, ?)`,
		payout.RoundID, payout.Participant, payout.Amount, payout.Status, payout.TxID, now, now)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicatePayout
		}
		return err
	}
	payout.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) scanPayouts(rows *sql.Rows) ([]Payout, error) {
	defer rows.Close()
	var out []Payout
	for rows.Next() {
		var p Payout
		if err := rows.Scan(&p.ID, &p.RoundID, &p.Participant, &p.Amount, &p.Status,
			&p.TxID, &p.Attempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const payoutColumns = `id, round_id, participant, amount, status, tx_id, attempts, created_at, updated_at`

// GetPayout returns a winner's payout record for a round.
func (s *SQLiteDB) GetPayout(ctx context.Context, roundID int64, participant string) (*Payout, error) {
	var p Payout
	err := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE round_id=? AND participant=?`,
		roundID, participant).
		Scan(&p.ID, &p.RoundID, &p.Participant, &p.Amount, &p.Status,
			&p.TxID, &p.Attempts, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPayouts returns all payout records for a round.
func (s *SQLiteDB) ListPayouts(ctx context.Context, roundID int64) ([]Payout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE round_id=? ORDER BY id`, roundID)
	if err != nil {
		return nil, err
	}
	return s.scanPayouts(rows)
}

// ListFailedPayouts returns failed payouts, oldest attempt first.
func (s *SQLiteDB) ListFailedPayouts(ctx context.Context, limit int) ([]Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE status=? ORDER BY updated_at LIMIT ?`,
		PayoutFailed, limit)
	if err != nil {
		return nil, err
	}
	return s.scanPayouts(rows)
}

// MarkPayoutPaid finalizes a payout with its transaction id.
func (s *SQLiteDB) MarkPayoutPaid(ctx context.Context, roundID int64, participant, txID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payouts SET status=?, tx_id=?, attempts=attempts+1, updated_at=?
		 WHERE round_id=? AND participant=? AND status != ?`,
		PayoutPaid, txID, time.Now().UTC(), roundID, participant, PayoutPaid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPayoutFailed records a failed disbursement attempt; the payout stays
// retryable.
func (s *SQLiteDB) MarkPayoutFailed(ctx context.Context, roundID int64, participant string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payouts SET status=?, attempts=attempts+1, updated_at=?
		 WHERE round_id=? AND participant=? AND status != ?`,
		PayoutFailed, time.Now().UTC(), roundID, participant, PayoutPaid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SumCommitted totals the round's pending and paid payout amounts.
func (s *SQLiteDB) SumCommitted(ctx context.Context, roundID int64) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM payouts WHERE round_id=? AND status != ?`,
		roundID, PayoutFailed).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// --------- Queries ---------

// ListUnsettledRounds returns ids of rounds with activity that are still
// unsettled and ended before beforeID.
func (s *SQLiteDB) ListUnsettledRounds(ctx context.Context, beforeID int64, limit int) ([]int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM rounds WHERE settled=0 AND id < ? ORDER BY id LIMIT ?`,
		beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRounds returns a page of round history, newest first.
func (s *SQLiteDB) ListRounds(ctx context.Context, q RoundsQuery) (*RoundsList, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 || q.PerPage > 100 {
		q.PerPage = 20
	}

	where := ""
	if q.SettledOnly {
		where = " WHERE settled=1"
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rounds`+where).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundColumns+` FROM rounds`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		q.PerPage, (q.Page-1)*q.PerPage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := &RoundsList{
		Rounds:  []Round{},
		Page:    q.Page,
		PerPage: q.PerPage,
	}
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		list.Rounds = append(list.Rounds, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	list.TotalCount = total
	list.TotalPages = (total + q.PerPage - 1) / q.PerPage
	return list, nil
}

// Leaderboard ranks participants by total paid winnings.
func (s *SQLiteDB) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant, COUNT(*) AS wins, SUM(amount) AS total
		 FROM payouts WHERE status=?
		 GROUP BY participant ORDER BY total DESC, wins DESC LIMIT ?`,
		PayoutPaid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var row LeaderboardRow
		if err := rows.Scan(&row.Participant, &row.Wins, &row.TotalWon); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SweepRound marks a settled zero-winner pool as swept and returns the
// amount released to the platform.
func (s *SQLiteDB) SweepRound(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var (
		pool        int64
		winnerCount int
		settled     bool
		swept       bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT prize_pool, winner_count, settled, swept FROM rounds WHERE id=?`, id).
		Scan(&pool, &winnerCount, &settled, &swept)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !settled {
		return 0, ErrRoundNotSettled
	}
	if winnerCount > 0 || swept || pool == 0 {
		return 0, ErrNotSweepable
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rounds SET swept=1, swept_at=? WHERE id=?`,
		time.Now().UTC(), id); err != nil {
		return 0, err
	}
	return pool, tx.Commit()
}
