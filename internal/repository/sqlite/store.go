// Package sqlite persists accounts, conversation turns and continuations in a
// local SQLite database. It satisfies the same contracts as the DynamoDB
// repository and backs the local CLI.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sms-agent/internal/domain"
	"sms-agent/internal/repository"
)

// Store implements the account, turn and continuation stores on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and initializes the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// A single connection serializes writers, which is what the ledger's
	// read-modify-write statements rely on locally.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		phone TEXT PRIMARY KEY,
		balance INTEGER NOT NULL,
		usage INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		turn_type TEXT NOT NULL,
		media_url TEXT NOT NULL DEFAULT '',
		transcription TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_phone ON turns(phone, created_at, seq);

	CREATE TABLE IF NOT EXISTS continuations (
		phone TEXT NOT NULL,
		idx INTEGER NOT NULL,
		id TEXT NOT NULL,
		remainder TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		total_parts INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (phone, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_continuations_expiry ON continuations(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close database: %w", err)
	}
	return nil
}

const accountColumns = `phone, balance, usage, active, last_activity, created_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var acct domain.Account
	var active int
	var lastActivity, createdAt int64
	if err := row.Scan(&acct.Phone, &acct.Balance, &acct.Usage, &active, &lastActivity, &createdAt); err != nil {
		return domain.Account{}, err
	}
	acct.Active = active != 0
	acct.LastActivity = time.Unix(0, lastActivity).UTC()
	acct.CreatedAt = time.Unix(0, createdAt).UTC()
	return acct, nil
}

// GetAccount reads the account for phone.
func (s *Store) GetAccount(ctx context.Context, phone string) (domain.Account, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = ?`, phone)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("sqlite: get account: %w", err)
	}
	return acct, true, nil
}

// CreateAccount inserts a new account. It returns repository.ErrConditionFailed
// when the account already exists.
func (s *Store) CreateAccount(ctx context.Context, acct domain.Account) error {
	if acct.Phone == "" {
		return errors.New("sqlite: create account: phone is required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO NOTHING`,
		acct.Phone, acct.Balance, acct.Usage, boolInt(acct.Active),
		acct.LastActivity.UnixNano(), acct.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create account: %w", err)
	}
	return requireAffected(res, "create account")
}

// ConsumeCredit decrements the balance with a zero floor in one statement.
func (s *Store) ConsumeCredit(ctx context.Context, phone string, at time.Time) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance - 1, usage = usage + 1, last_activity = ?
		WHERE phone = ? AND balance > 0
		RETURNING `+accountColumns,
		at.UnixNano(), phone,
	)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, repository.ErrConditionFailed
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("sqlite: consume credit: %w", err)
	}
	return acct, nil
}

// AddCredits upserts the account, adds amount and resets usage.
func (s *Store) AddCredits(ctx context.Context, phone string, amount int, at time.Time) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, 0, 1, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			balance = accounts.balance + excluded.balance,
			usage = 0,
			active = 1,
			last_activity = excluded.last_activity
		RETURNING `+accountColumns,
		phone, amount, at.UnixNano(), at.UnixNano(),
	)
	acct, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, fmt.Errorf("sqlite: add credits: %w", err)
	}
	return acct, nil
}

// RefundCredit returns one credit and decrements usage while it is positive.
func (s *Store) RefundCredit(ctx context.Context, phone string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + 1, usage = MAX(usage - 1, 0)
		WHERE phone = ?
		RETURNING `+accountColumns,
		phone,
	)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, repository.ErrConditionFailed
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("sqlite: refund credit: %w", err)
	}
	return acct, nil
}

// DeleteAccount removes the account row.
func (s *Store) DeleteAccount(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE phone = ?`, phone); err != nil {
		return fmt.Errorf("sqlite: delete account: %w", err)
	}
	return nil
}

// PutTurn inserts one conversation turn.
func (s *Store) PutTurn(ctx context.Context, turn domain.Turn) error {
	if turn.Phone == "" || turn.ID == "" {
		return errors.New("sqlite: put turn: phone and id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, phone, role, content, turn_type, media_url, transcription, duration_ms, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.Phone, string(turn.Role), turn.Content, string(turn.Type),
		turn.Metadata.MediaURL, turn.Metadata.Transcription, turn.Metadata.DurationMS, turn.Metadata.Tokens,
		turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put turn: %w", err)
	}
	return nil
}

// RecentTurns returns the latest limit turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, phone string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phone, role, content, turn_type, media_url, transcription, duration_ms, tokens, created_at
		FROM (
			SELECT * FROM turns WHERE phone = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC`,
		phone, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "err", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var role, turnType string
		var createdAt int64
		if err := rows.Scan(
			&turn.ID, &turn.Phone, &role, &turn.Content, &turnType,
			&turn.Metadata.MediaURL, &turn.Metadata.Transcription, &turn.Metadata.DurationMS, &turn.Metadata.Tokens,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.Type = domain.TurnType(turnType)
		turn.CreatedAt = time.Unix(0, createdAt).UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate turns: %w", err)
	}
	return turns, nil
}

// DeleteTurns removes every turn of the account.
func (s *Store) DeleteTurns(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE phone = ?`, phone); err != nil {
		return fmt.Errorf("sqlite: delete turns: %w", err)
	}
	return nil
}

// CreateContinuation inserts a continuation unless its index is taken.
func (s *Store) CreateContinuation(ctx context.Context, cont domain.Continuation) error {
	if cont.Phone == "" || cont.Index <= 0 {
		return errors.New("sqlite: create continuation: phone and positive index are required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO continuations (phone, idx, id, remainder, turn_id, total_parts, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone, idx) DO NOTHING`,
		cont.Phone, cont.Index, cont.ID, cont.Remainder, cont.TurnID, cont.TotalParts,
		cont.CreatedAt.UnixNano(), cont.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create continuation: %w", err)
	}
	return requireAffected(res, "create continuation")
}

// LatestContinuation returns the highest-index continuation for phone.
func (s *Store) LatestContinuation(ctx context.Context, phone string) (domain.Continuation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT phone, idx, id, remainder, turn_id, total_parts, created_at, expires_at
		FROM continuations WHERE phone = ?
		ORDER BY idx DESC LIMIT 1`, phone)

	var cont domain.Continuation
	var createdAt, expiresAt int64
	err := row.Scan(&cont.Phone, &cont.Index, &cont.ID, &cont.Remainder, &cont.TurnID, &cont.TotalParts, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Continuation{}, false, nil
	}
	if err != nil {
		return domain.Continuation{}, false, fmt.Errorf("sqlite: latest continuation: %w", err)
	}
	cont.CreatedAt = time.Unix(0, createdAt).UTC()
	cont.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return cont, true, nil
}

// DeleteContinuations removes every continuation of the account.
func (s *Store) DeleteContinuations(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE phone = ?`, phone); err != nil {
		return fmt.Errorf("sqlite: delete continuations: %w", err)
	}
	return nil
}

// DeleteExpiredContinuations removes continuations that expired at or before now.
func (s *Store) DeleteExpiredContinuations(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired continuations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: expired continuations rows affected: %w", err)
	}
	return int(n), nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
