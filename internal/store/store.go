// Package store persists users and sessions in an embedded SQLite
// database and owns all password and token handling. It is the only
// component that ever sees password digests; plaintext passwords are
// hashed on entry and never logged or returned.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

// bcryptCost is the work factor for password digests.
const bcryptCost = 12

// tokenBytes is the entropy of a session token before encoding (256 bits).
const tokenBytes = 32

var (
	// ErrNameTaken is returned when a registration reuses a username.
	ErrNameTaken = errors.New("username already exists")
	// ErrBadCredentials is returned for an unknown username or a wrong
	// password. The two cases are deliberately indistinguishable.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrUnknownToken is returned when no session matches a bearer token.
	ErrUnknownToken = errors.New("unknown token")
	// ErrUnknownUser is returned when a user id does not exist.
	ErrUnknownUser = errors.New("unknown user")
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		username            TEXT NOT NULL UNIQUE,
		password_hash       TEXT NOT NULL,
		email               TEXT,
		created_at          INTEGER NOT NULL DEFAULT (unixepoch()),
		is_owner            INTEGER NOT NULL DEFAULT 0,
		has_patchbay_access INTEGER NOT NULL DEFAULT 0
	)`,
	// v2 — sessions (no expiry in v1; sessions live until logout or
	// database reset)
	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id),
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// User is one account row. Password material never leaves the store.
type User struct {
	ID                string
	Username          string
	Email             string
	CreatedAt         time.Time
	IsOwner           bool
	HasPatchbayAccess bool
}

// Store wraps the SQLite database holding users and sessions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Transactions take the write lock up front (BEGIN IMMEDIATE).
	// With the default deferred mode a read-then-write transaction,
	// like the owner election in Register, can fail with SQLITE_BUSY
	// on the lock upgrade under concurrent writers. The pragmas ride
	// on the DSN so every pooled connection gets them.
	const params = "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sep := "?"
	if strings.ContainsRune(path, '?') {
		sep = "&"
	}

	db, err := sql.Open("sqlite", path+sep+params)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow concurrent readers but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("credential store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// Register creates a user and a fresh session. The first user ever
// registered becomes the owner and receives patchbay access; the
// "any users yet?" check and the insert run in one immediate transaction
// so that concurrent first registrations elect exactly one owner.
func (s *Store) Register(ctx context.Context, username, password, email string) (User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, "", fmt.Errorf("username and password are required")
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return User{}, "", fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&existing); err != nil {
		return User{}, "", fmt.Errorf("count users: %w", err)
	}
	first := existing == 0

	u := User{
		ID:                uuid.NewString(),
		Username:          username,
		Email:             email,
		CreatedAt:         time.Now().UTC(),
		IsOwner:           first,
		HasPatchbayAccess: first,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users(id, username, password_hash, email, created_at, is_owner, has_patchbay_access)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, string(digest), nullable(u.Email), u.CreatedAt.Unix(), u.IsOwner, u.HasPatchbayAccess,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, "", ErrNameTaken
		}
		return User{}, "", fmt.Errorf("insert user: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return User{}, "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(token, user_id) VALUES(?, ?)`, token, u.ID,
	); err != nil {
		return User{}, "", fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return User{}, "", ErrNameTaken
		}
		return User{}, "", fmt.Errorf("commit: %w", err)
	}

	slog.Info("user registered", "user_id", u.ID, "username", u.Username, "is_owner", u.IsOwner)
	return u, token, nil
}

// Login verifies credentials and mints a new session token.
func (s *Store) Login(ctx context.Context, username, password string) (User, string, error) {
	var (
		u      User
		digest string
		epoch  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, COALESCE(email, ''), created_at, is_owner, has_patchbay_access
		 FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &digest, &u.Email, &epoch, &u.IsOwner, &u.HasPatchbayAccess)
	if errors.Is(err, sql.ErrNoRows) {
		// Burn a bcrypt verification anyway so unknown usernames cost the
		// same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyDigest, []byte(password))
		return User{}, "", ErrBadCredentials
	}
	if err != nil {
		return User{}, "", fmt.Errorf("lookup user: %w", err)
	}
	u.CreatedAt = time.Unix(epoch, 0).UTC()

	if bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) != nil {
		return User{}, "", ErrBadCredentials
	}

	token, err := newToken()
	if err != nil {
		return User{}, "", err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, user_id) VALUES(?, ?)`, token, u.ID,
	); err != nil {
		return User{}, "", fmt.Errorf("insert session: %w", err)
	}

	slog.Info("user logged in", "user_id", u.ID, "username", u.Username)
	return u, token, nil
}

// Resolve maps a bearer token to its user. Tokens are 256-bit random
// values used as exact-match primary keys, so lookup cost does not depend
// on how much of a guessed token matches.
func (s *Store) Resolve(ctx context.Context, token string) (User, error) {
	var (
		u     User
		epoch int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, COALESCE(u.email, ''), u.created_at, u.is_owner, u.has_patchbay_access
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = ?`, token,
	).Scan(&u.ID, &u.Username, &u.Email, &epoch, &u.IsOwner, &u.HasPatchbayAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUnknownToken
	}
	if err != nil {
		return User{}, fmt.Errorf("resolve token: %w", err)
	}
	u.CreatedAt = time.Unix(epoch, 0).UTC()
	return u, nil
}

// Logout deletes a session. Unknown tokens are a no-op.
func (s *Store) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// SetPatchbayAccess grants or revokes graph-mutation rights. The owner's
// access is immutable: a grant or revoke targeting the owner is a no-op.
func (s *Store) SetPatchbayAccess(ctx context.Context, userID string, v bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET has_patchbay_access = ? WHERE id = ? AND is_owner = 0`,
		v, userID,
	)
	if err != nil {
		return fmt.Errorf("update patchbay access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either no such user, or the target is the owner (no-op).
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE id = ?`, userID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrUnknownUser
		}
	}
	return nil
}

// Users returns all accounts ordered by creation time.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, COALESCE(email, ''), created_at, is_owner, has_patchbay_access
		 FROM users ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u     User
			epoch int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &epoch, &u.IsOwner, &u.HasPatchbayAccess); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(epoch, 0).UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserCount returns the number of registered users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// newToken mints a URL-safe bearer token from the crypto random source.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// dummyDigest is a valid bcrypt digest of an unguessable value, used to
// equalise login timing when the username does not exist.
var dummyDigest = func() []byte {
	d, err := bcrypt.GenerateFromPassword([]byte("jackdaw-hub-timing-pad"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return d
}()

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
