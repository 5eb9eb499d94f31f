/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (ledger.TxStore, ledger.EntryWriter,
  lesson.Store, lesson.StudentStore, lesson.TierProvider, hazard.Source)
  using SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

MUTATION RULES ENFORCED:
  - Lots are never deleted; closed/expired lots are retained for audit.
  - Allocations are inserted and deleted per lesson (reversal); never
    updated.
  - Settlements, write-offs, and hazard resolutions are append-only.

KEY TABLES:
  students:               Student records with tier and status
  credit_lots:            Credit grants with restrictions and expiry
  allocations:            Lesson-to-lot minute links
  lessons:                Lesson records with confirmation state
  overdraft_settlements:  Append-only settlement entries
  write_offs:             Append-only write-off entries
  hazard_resolutions:     Append-only hazard acknowledgments

INDEXES:
  - idx_lots_student_state: Open-lot candidate reads (hot path)
  - idx_allocations_lesson: Per-lesson allocation lookups
  - idx_lessons_student_snc: Free-SNC allowance counting

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

TRANSACTIONS:
  WithTx opens a database transaction and hands fn a store whose every
  statement runs on that transaction. All helpers take the connection as
  a parameter, so transaction-scope reads never touch the store mutex -
  re-acquiring it under WithTx would deadlock.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go:        Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tutorly/credit-engine/hazard"
	"github.com/tutorly/credit-engine/ledger"
	"github.com/tutorly/credit-engine/lesson"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Students
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Credit lots (never deleted; state transitions only)
	CREATE TABLE IF NOT EXISTS credit_lots (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		award_reason TEXT NOT NULL DEFAULT '',
		external_ref TEXT NOT NULL DEFAULT '',
		minutes_granted INTEGER NOT NULL,
		minutes_allocated INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL,
		expiry_date TEXT,
		expiry_policy TEXT NOT NULL,
		length_restriction INTEGER NOT NULL DEFAULT 0,
		delivery_restriction TEXT NOT NULL DEFAULT '',
		tier_restriction TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Candidate reads for planning (hot path)
	CREATE INDEX IF NOT EXISTS idx_lots_student_state
		ON credit_lots(student_id, state);
	CREATE INDEX IF NOT EXISTS idx_lots_source
		ON credit_lots(source_type);

	-- Allocations (insert + per-lesson delete only; never updated)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		lesson_id TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		minutes INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_lesson
		ON allocations(lesson_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_lot
		ON allocations(lot_id);

	-- Lessons
	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		teacher_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		duration_min INTEGER NOT NULL,
		delivery TEXT NOT NULL,
		length_cat INTEGER NOT NULL,
		is_snc BOOLEAN NOT NULL DEFAULT FALSE,
		is_free_snc BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL DEFAULT 'pending',
		notes TEXT NOT NULL DEFAULT '',
		decline_reason TEXT NOT NULL DEFAULT '',
		confirmed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lessons_student
		ON lessons(student_id);
	CREATE INDEX IF NOT EXISTS idx_lessons_state
		ON lessons(state);

	-- Free-SNC allowance counting
	CREATE INDEX IF NOT EXISTS idx_lessons_student_snc
		ON lessons(student_id, state, is_free_snc, occurred_at);

	-- Overdraft settlements (append-only)
	CREATE TABLE IF NOT EXISTS overdraft_settlements (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		overdraft_lot_id TEXT NOT NULL,
		settled_lot_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		ref TEXT NOT NULL DEFAULT '',
		minutes INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_student
		ON overdraft_settlements(student_id);

	-- Write-offs (append-only)
	CREATE TABLE IF NOT EXISTS write_offs (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		accounting_period TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		minutes INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_write_offs_student
		ON write_offs(student_id);

	-- Hazard resolutions (append-only acknowledgments)
	CREATE TABLE IF NOT EXISTS hazard_resolutions (
		id TEXT PRIMARY KEY,
		hazard_type TEXT NOT NULL,
		lesson_id TEXT NOT NULL DEFAULT '',
		allocation_id TEXT NOT NULL DEFAULT '',
		lot_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx. Every statement helper
// takes one, so transaction-scope calls reuse the open transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LOT STORE (ledger.Store interface)
// =============================================================================

const lotColumns = `id, student_id, source_type, award_reason, external_ref,
	minutes_granted, minutes_allocated, start_date, expiry_date, expiry_policy,
	length_restriction, delivery_restriction, tier_restriction, state,
	created_at, updated_at`

func (s *Store) CreateLot(ctx context.Context, lot *ledger.CreditLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLot(ctx, s.db, lot)
}

func createLot(ctx context.Context, db dbtx, lot *ledger.CreditLot) error {
	var expiry any
	if lot.ExpiryDate != nil {
		expiry = lot.ExpiryDate.String()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO credit_lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.StudentID, lot.Source, lot.AwardReason, lot.ExternalRef,
		lot.MinutesGranted, lot.MinutesAllocated, lot.StartDate.String(), expiry,
		lot.ExpiryPolicy, lot.LengthRestriction, lot.DeliveryRestriction,
		lot.TierRestriction, lot.State,
		lot.CreatedAt.UTC().Format(time.RFC3339), lot.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &ledger.PersistenceError{Op: "create lot", Err: err}
	}
	return nil
}

func (s *Store) GetLot(ctx context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLot(ctx, s.db, id)
}

func getLot(ctx context.Context, db dbtx, id ledger.LotID) (*ledger.CreditLot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM credit_lots WHERE id = ?`, id)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "get lot", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &ledger.PersistenceError{Op: "get lot", Err: err}
		}
		return nil, &ledger.NotFoundError{Kind: "lot", ID: string(id)}
	}
	return scanLot(rows)
}

func (s *Store) OpenLots(ctx context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLots(ctx, s.db,
		`SELECT `+lotColumns+` FROM credit_lots WHERE student_id = ? AND state = ? ORDER BY created_at, id`,
		studentID, ledger.LotOpen)
}

func (s *Store) LotsByStudent(ctx context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLots(ctx, s.db,
		`SELECT `+lotColumns+` FROM credit_lots WHERE student_id = ? ORDER BY created_at, id`,
		studentID)
}

func queryLots(ctx context.Context, db dbtx, query string, args ...any) ([]*ledger.CreditLot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query lots", Err: err}
	}
	defer rows.Close()

	var lots []*ledger.CreditLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(rows *sql.Rows) (*ledger.CreditLot, error) {
	var (
		lot       ledger.CreditLot
		startDate string
		expiry    sql.NullString
		createdAt string
		updatedAt string
	)
	err := rows.Scan(
		&lot.ID, &lot.StudentID, &lot.Source, &lot.AwardReason, &lot.ExternalRef,
		&lot.MinutesGranted, &lot.MinutesAllocated, &startDate, &expiry,
		&lot.ExpiryPolicy, &lot.LengthRestriction, &lot.DeliveryRestriction,
		&lot.TierRestriction, &lot.State, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "scan lot", Err: err}
	}

	if lot.StartDate, err = ledger.ParseDate(startDate); err != nil {
		return nil, &ledger.PersistenceError{Op: "scan lot", Err: err}
	}
	if expiry.Valid {
		d, err := ledger.ParseDate(expiry.String)
		if err != nil {
			return nil, &ledger.PersistenceError{Op: "scan lot", Err: err}
		}
		lot.ExpiryDate = &d
	}
	lot.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	lot.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &lot, nil
}

func (s *Store) SetLotState(ctx context.Context, id ledger.LotID, state ledger.LotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setLotState(ctx, s.db, id, state)
}

func setLotState(ctx context.Context, db dbtx, id ledger.LotID, state ledger.LotState) error {
	res, err := db.ExecContext(ctx,
		`UPDATE credit_lots SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return &ledger.PersistenceError{Op: "set lot state", Err: err}
	}
	return requireRow(res, "lot", string(id))
}

func (s *Store) AddAllocated(ctx context.Context, id ledger.LotID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addAllocated(ctx, s.db, id, delta)
}

func addAllocated(ctx context.Context, db dbtx, id ledger.LotID, delta int) error {
	res, err := db.ExecContext(ctx,
		`UPDATE credit_lots SET minutes_allocated = minutes_allocated + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return &ledger.PersistenceError{Op: "add allocated", Err: err}
	}
	return requireRow(res, "lot", string(id))
}

func (s *Store) InsertAllocation(ctx context.Context, a ledger.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertAllocation(ctx, s.db, a)
}

func insertAllocation(ctx context.Context, db dbtx, a ledger.Allocation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO allocations (id, lesson_id, lot_id, minutes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.LessonID, a.LotID, a.Minutes, a.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &ledger.PersistenceError{Op: "insert allocation", Err: err}
	}
	return nil
}

func (s *Store) AllocationsForLesson(ctx context.Context, lessonID ledger.LessonID) ([]ledger.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allocationsForLesson(ctx, s.db, lessonID)
}

func allocationsForLesson(ctx context.Context, db dbtx, lessonID ledger.LessonID) ([]ledger.Allocation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, lesson_id, lot_id, minutes, created_at
		FROM allocations WHERE lesson_id = ? ORDER BY created_at, id`, lessonID)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query allocations", Err: err}
	}
	defer rows.Close()

	var allocs []ledger.Allocation
	for rows.Next() {
		var a ledger.Allocation
		var createdAt string
		if err := rows.Scan(&a.ID, &a.LessonID, &a.LotID, &a.Minutes, &createdAt); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan allocation", Err: err}
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (s *Store) DeleteAllocationsForLesson(ctx context.Context, lessonID ledger.LessonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteAllocationsForLesson(ctx, s.db, lessonID)
}

func deleteAllocationsForLesson(ctx context.Context, db dbtx, lessonID ledger.LessonID) error {
	_, err := db.ExecContext(ctx, `DELETE FROM allocations WHERE lesson_id = ?`, lessonID)
	if err != nil {
		return &ledger.PersistenceError{Op: "delete allocations", Err: err}
	}
	return nil
}

func (s *Store) TotalRemaining(ctx context.Context, studentID ledger.StudentID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return totalRemaining(ctx, s.db, studentID)
}

func totalRemaining(ctx context.Context, db dbtx, studentID ledger.StudentID) (int, error) {
	var total int
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(minutes_granted - minutes_allocated), 0)
		FROM credit_lots WHERE student_id = ? AND state = ?`,
		studentID, ledger.LotOpen).Scan(&total)
	if err != nil {
		return 0, &ledger.PersistenceError{Op: "total remaining", Err: err}
	}
	return total, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &ledger.PersistenceError{Op: "rows affected", Err: err}
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// =============================================================================
// ENTRY WRITER (ledger.EntryWriter interface)
// =============================================================================

func (s *Store) AppendSettlement(ctx context.Context, entry ledger.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendSettlement(ctx, s.db, entry)
}

func appendSettlement(ctx context.Context, db dbtx, entry ledger.Settlement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO overdraft_settlements
		(id, student_id, overdraft_lot_id, settled_lot_id, mode, ref, minutes, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.StudentID, entry.OverdraftLotID, entry.SettledLotID,
		entry.Mode, entry.Ref, entry.Minutes, entry.Note,
		entry.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &ledger.PersistenceError{Op: "append settlement", Err: err}
	}
	return nil
}

func (s *Store) AppendWriteOff(ctx context.Context, entry ledger.WriteOff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendWriteOff(ctx, s.db, entry)
}

func appendWriteOff(ctx context.Context, db dbtx, entry ledger.WriteOff) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO write_offs
		(id, student_id, reason_code, accounting_period, direction, minutes, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.StudentID, entry.ReasonCode, entry.AccountingPeriod,
		entry.Direction, entry.Minutes, entry.Note,
		entry.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &ledger.PersistenceError{Op: "append write-off", Err: err}
	}
	return nil
}

// SettlementsByStudent returns a student's settlement history.
func (s *Store) SettlementsByStudent(ctx context.Context, studentID ledger.StudentID) ([]ledger.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, overdraft_lot_id, settled_lot_id, mode, ref, minutes, note, created_at
		FROM overdraft_settlements WHERE student_id = ? ORDER BY created_at`, studentID)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query settlements", Err: err}
	}
	defer rows.Close()

	var entries []ledger.Settlement
	for rows.Next() {
		var e ledger.Settlement
		var createdAt string
		if err := rows.Scan(&e.ID, &e.StudentID, &e.OverdraftLotID, &e.SettledLotID,
			&e.Mode, &e.Ref, &e.Minutes, &e.Note, &createdAt); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan settlement", Err: err}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WriteOffsByStudent returns a student's write-off history.
func (s *Store) WriteOffsByStudent(ctx context.Context, studentID ledger.StudentID) ([]ledger.WriteOff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, reason_code, accounting_period, direction, minutes, note, created_at
		FROM write_offs WHERE student_id = ? ORDER BY created_at`, studentID)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query write-offs", Err: err}
	}
	defer rows.Close()

	var entries []ledger.WriteOff
	for rows.Next() {
		var e ledger.WriteOff
		var createdAt string
		if err := rows.Scan(&e.ID, &e.StudentID, &e.ReasonCode, &e.AccountingPeriod,
			&e.Direction, &e.Minutes, &e.Note, &createdAt); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan write-off", Err: err}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The store passed to
// fn runs every statement on the transaction and also implements
// ledger.EntryWriter.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.PersistenceError{Op: "begin transaction", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &ledger.PersistenceError{Op: "commit transaction", Err: err}
	}
	return nil
}

// txStore runs every statement on the open transaction. It never touches
// the parent mutex - the parent holds it for the duration of WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateLot(ctx context.Context, lot *ledger.CreditLot) error {
	return createLot(ctx, ts.tx, lot)
}

func (ts *txStore) GetLot(ctx context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	return getLot(ctx, ts.tx, id)
}

func (ts *txStore) OpenLots(ctx context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	return queryLots(ctx, ts.tx,
		`SELECT `+lotColumns+` FROM credit_lots WHERE student_id = ? AND state = ? ORDER BY created_at, id`,
		studentID, ledger.LotOpen)
}

func (ts *txStore) LotsByStudent(ctx context.Context, studentID ledger.StudentID) ([]*ledger.CreditLot, error) {
	return queryLots(ctx, ts.tx,
		`SELECT `+lotColumns+` FROM credit_lots WHERE student_id = ? ORDER BY created_at, id`,
		studentID)
}

func (ts *txStore) SetLotState(ctx context.Context, id ledger.LotID, state ledger.LotState) error {
	return setLotState(ctx, ts.tx, id, state)
}

func (ts *txStore) AddAllocated(ctx context.Context, id ledger.LotID, delta int) error {
	return addAllocated(ctx, ts.tx, id, delta)
}

func (ts *txStore) InsertAllocation(ctx context.Context, a ledger.Allocation) error {
	return insertAllocation(ctx, ts.tx, a)
}

func (ts *txStore) AllocationsForLesson(ctx context.Context, lessonID ledger.LessonID) ([]ledger.Allocation, error) {
	return allocationsForLesson(ctx, ts.tx, lessonID)
}

func (ts *txStore) DeleteAllocationsForLesson(ctx context.Context, lessonID ledger.LessonID) error {
	return deleteAllocationsForLesson(ctx, ts.tx, lessonID)
}

func (ts *txStore) TotalRemaining(ctx context.Context, studentID ledger.StudentID) (int, error) {
	return totalRemaining(ctx, ts.tx, studentID)
}

func (ts *txStore) AppendSettlement(ctx context.Context, entry ledger.Settlement) error {
	return appendSettlement(ctx, ts.tx, entry)
}

func (ts *txStore) AppendWriteOff(ctx context.Context, entry ledger.WriteOff) error {
	return appendWriteOff(ctx, ts.tx, entry)
}

// =============================================================================
// LESSON STORE (lesson.Store interface)
// =============================================================================

const lessonColumns = `id, student_id, teacher_id, occurred_at, duration_min,
	delivery, length_cat, is_snc, is_free_snc, state, notes, decline_reason,
	confirmed_at, created_at, updated_at`

func (s *Store) CreateLesson(ctx context.Context, l *lesson.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var confirmedAt any
	if l.ConfirmedAt != nil {
		confirmedAt = l.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (`+lessonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.StudentID, l.TeacherID, l.OccurredAt.String(), l.DurationMin,
		l.Delivery, l.LengthCat, l.IsSNC, l.IsFreeSNC, l.State, l.Notes,
		l.DeclineReason, confirmedAt,
		l.CreatedAt.UTC().Format(time.RFC3339), l.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &ledger.PersistenceError{Op: "create lesson", Err: err}
	}
	return nil
}

func (s *Store) GetLesson(ctx context.Context, id ledger.LessonID) (*lesson.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "get lesson", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &ledger.PersistenceError{Op: "get lesson", Err: err}
		}
		return nil, &ledger.NotFoundError{Kind: "lesson", ID: string(id)}
	}
	return scanLesson(rows)
}

func (s *Store) UpdateLesson(ctx context.Context, l *lesson.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var confirmedAt any
	if l.ConfirmedAt != nil {
		confirmedAt = l.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE lessons SET
			occurred_at = ?, duration_min = ?, delivery = ?, length_cat = ?,
			is_snc = ?, is_free_snc = ?, state = ?, notes = ?,
			decline_reason = ?, confirmed_at = ?, updated_at = ?
		WHERE id = ?`,
		l.OccurredAt.String(), l.DurationMin, l.Delivery, l.LengthCat,
		l.IsSNC, l.IsFreeSNC, l.State, l.Notes, l.DeclineReason, confirmedAt,
		l.UpdatedAt.UTC().Format(time.RFC3339), l.ID)
	if err != nil {
		return &ledger.PersistenceError{Op: "update lesson", Err: err}
	}
	return requireRow(res, "lesson", string(l.ID))
}

func (s *Store) LessonsByStudent(ctx context.Context, studentID ledger.StudentID) ([]*lesson.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE student_id = ? ORDER BY occurred_at, created_at`,
		studentID)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query lessons", Err: err}
	}
	defer rows.Close()

	var lessons []*lesson.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

func scanLesson(rows *sql.Rows) (*lesson.Lesson, error) {
	var (
		l           lesson.Lesson
		occurredAt  string
		confirmedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := rows.Scan(
		&l.ID, &l.StudentID, &l.TeacherID, &occurredAt, &l.DurationMin,
		&l.Delivery, &l.LengthCat, &l.IsSNC, &l.IsFreeSNC, &l.State, &l.Notes,
		&l.DeclineReason, &confirmedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "scan lesson", Err: err}
	}

	if l.OccurredAt, err = ledger.ParseDate(occurredAt); err != nil {
		return nil, &ledger.PersistenceError{Op: "scan lesson", Err: err}
	}
	if confirmedAt.Valid {
		t, _ := time.Parse(time.RFC3339, confirmedAt.String)
		l.ConfirmedAt = &t
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &l, nil
}

// CountFreeSNC counts confirmed free SNCs with occurred_at in [from, to].
func (s *Store) CountFreeSNC(ctx context.Context, studentID ledger.StudentID, from, to ledger.Date) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lessons
		WHERE student_id = ? AND state = ? AND is_snc AND is_free_snc
		  AND occurred_at >= ? AND occurred_at <= ?`,
		studentID, lesson.StateConfirmed, from.String(), to.String()).Scan(&count)
	if err != nil {
		return 0, &ledger.PersistenceError{Op: "count free snc", Err: err}
	}
	return count, nil
}

// =============================================================================
// STUDENT STORE (lesson.StudentStore + lesson.TierProvider interfaces)
// =============================================================================

func (s *Store) CreateStudent(ctx context.Context, st *lesson.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, tier, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Tier, st.Status,
		st.CreatedAt.UTC().Format(time.RFC3339), st.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &ledger.PersistenceError{Op: "create student", Err: err}
	}
	return nil
}

func (s *Store) GetStudent(ctx context.Context, id ledger.StudentID) (*lesson.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st        lesson.Student
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, tier, status, created_at, updated_at FROM students WHERE id = ?`,
		id).Scan(&st.ID, &st.Name, &st.Tier, &st.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Kind: "student", ID: string(id)}
	}
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "get student", Err: err}
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	st.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &st, nil
}

func (s *Store) SetStudentStatus(ctx context.Context, id ledger.StudentID, status lesson.StudentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return &ledger.PersistenceError{Op: "set student status", Err: err}
	}
	return requireRow(res, "student", string(id))
}

// CurrentTier implements lesson.TierProvider from the student record.
func (s *Store) CurrentTier(ctx context.Context, id ledger.StudentID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT tier FROM students WHERE id = ?`, id).Scan(&tier)
	if err == sql.ErrNoRows {
		return "", &ledger.NotFoundError{Kind: "student", ID: string(id)}
	}
	if err != nil {
		return "", &ledger.PersistenceError{Op: "current tier", Err: err}
	}
	return tier, nil
}

// =============================================================================
// HAZARD SOURCE (hazard.Source interface)
// =============================================================================

const confirmedAllocQuery = `
	SELECT a.id, a.lesson_id, a.lot_id, a.minutes, a.created_at,
	       le.student_id, le.delivery, le.length_cat,
	       ` + lotPrefixed + `
	FROM allocations a
	JOIN lessons le ON le.id = a.lesson_id
	JOIN credit_lots lo ON lo.id = a.lot_id
	WHERE le.state = 'confirmed'`

const lotPrefixed = `lo.id, lo.student_id, lo.source_type, lo.award_reason,
	lo.external_ref, lo.minutes_granted, lo.minutes_allocated, lo.start_date,
	lo.expiry_date, lo.expiry_policy, lo.length_restriction,
	lo.delivery_restriction, lo.tier_restriction, lo.state, lo.created_at,
	lo.updated_at`

func (s *Store) ConfirmedAllocations(ctx context.Context) ([]hazard.ConfirmedAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryConfirmedAllocations(ctx, confirmedAllocQuery)
}

func (s *Store) ConfirmedAllocationsForLesson(ctx context.Context, lessonID ledger.LessonID) ([]hazard.ConfirmedAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryConfirmedAllocations(ctx, confirmedAllocQuery+` AND a.lesson_id = ?`, lessonID)
}

func (s *Store) queryConfirmedAllocations(ctx context.Context, query string, args ...any) ([]hazard.ConfirmedAllocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query confirmed allocations", Err: err}
	}
	defer rows.Close()

	var result []hazard.ConfirmedAllocation
	for rows.Next() {
		var (
			row       hazard.ConfirmedAllocation
			lot       ledger.CreditLot
			allocAt   string
			startDate string
			expiry    sql.NullString
			createdAt string
			updatedAt string
		)
		err := rows.Scan(
			&row.Allocation.ID, &row.Allocation.LessonID, &row.Allocation.LotID,
			&row.Allocation.Minutes, &allocAt,
			&row.StudentID, &row.Delivery, &row.LengthCat,
			&lot.ID, &lot.StudentID, &lot.Source, &lot.AwardReason,
			&lot.ExternalRef, &lot.MinutesGranted, &lot.MinutesAllocated, &startDate,
			&expiry, &lot.ExpiryPolicy, &lot.LengthRestriction,
			&lot.DeliveryRestriction, &lot.TierRestriction, &lot.State, &createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, &ledger.PersistenceError{Op: "scan confirmed allocation", Err: err}
		}
		row.Allocation.CreatedAt, _ = time.Parse(time.RFC3339, allocAt)
		if lot.StartDate, err = ledger.ParseDate(startDate); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan confirmed allocation", Err: err}
		}
		if expiry.Valid {
			d, err := ledger.ParseDate(expiry.String)
			if err != nil {
				return nil, &ledger.PersistenceError{Op: "scan confirmed allocation", Err: err}
			}
			lot.ExpiryDate = &d
		}
		lot.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		lot.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		row.Lot = &lot
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *Store) AllLots(ctx context.Context) ([]*ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLots(ctx, s.db, `SELECT `+lotColumns+` FROM credit_lots ORDER BY created_at, id`)
}

func (s *Store) Resolutions(ctx context.Context) ([]hazard.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hazard_type, lesson_id, allocation_id, lot_id, note, created_at
		FROM hazard_resolutions ORDER BY created_at`)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "query hazard resolutions", Err: err}
	}
	defer rows.Close()

	var resolutions []hazard.Resolution
	for rows.Next() {
		var r hazard.Resolution
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Kind, &r.LessonID, &r.AllocationID,
			&r.LotID, &r.Note, &createdAt); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan hazard resolution", Err: err}
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		resolutions = append(resolutions, r)
	}
	return resolutions, rows.Err()
}

func (s *Store) SaveResolution(ctx context.Context, r hazard.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hazard_resolutions (id, hazard_type, lesson_id, allocation_id, lot_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.LessonID, r.AllocationID, r.LotID, r.Note,
		r.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &ledger.PersistenceError{Op: "save hazard resolution", Err: err}
	}
	return nil
}
