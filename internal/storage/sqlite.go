package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for pending reviews, blocked
// suggestions, and settings. Document vectors share the same database but are
// accessed through the vector package.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docsmith.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that manage their own
// tables (vector store) and for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Pending reviews ---

const reviewColumns = `id, doc_id, doc_title, type, suggestion, reasoning, alternatives,
	attempts, last_feedback, next_tag, metadata, created_at`

func (s *Store) SaveReview(item ReviewItem) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO pending_reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.DocID, item.DocTitle, item.Type, item.Suggestion, item.Reasoning,
		item.Alternatives, item.Attempts, item.LastFeedback, item.NextTag, item.Metadata,
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetReview(id string) (ReviewItem, error) {
	row := s.db.QueryRow(`SELECT `+reviewColumns+` FROM pending_reviews WHERE id = ?`, id)
	item, err := scanReview(row)
	if err == sql.ErrNoRows {
		return ReviewItem{}, ErrNotFound
	}
	return item, err
}

// ListReviews returns open review items in queue order. An empty typeFilter
// returns all types.
func (s *Store) ListReviews(typeFilter string) ([]ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM pending_reviews`
	args := []any{}
	if typeFilter != "" {
		query += ` WHERE type = ?`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

func (s *Store) CountReviews() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pending_reviews").Scan(&n)
	return n, err
}

// CountReviewsForDoc returns the number of open items for one document. Zero
// means the manual-review label can come off.
func (s *Store) CountReviewsForDoc(docID int64) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pending_reviews WHERE doc_id = ?", docID).Scan(&n)
	return n, err
}

// DeleteReview removes a resolved item. Returns ErrNotFound if it was already
// resolved, which is what makes approve idempotent.
func (s *Store) DeleteReview(id string) error {
	res, err := s.db.Exec(`DELETE FROM pending_reviews WHERE id = ?`, id)
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

// ResolveReview deletes the review item and, when block is non-nil, records
// the blocked suggestion in the same transaction. A partial failure can never
// lose the rejection.
func (s *Store) ResolveReview(id string, block *BlockedSuggestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning resolve transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pending_reviews WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if block != nil {
		createdAt := block.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(`
			INSERT INTO blocked_suggestions (id, name, normalized_name, block_type, reason, category, doc_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			block.ID, block.Name, block.NormalizedName, block.BlockType, block.Reason,
			block.Category, block.DocID, createdAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting blocked suggestion: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM pending_reviews WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting review item: %w", err)
	}

	return tx.Commit()
}

func scanReview(row interface{ Scan(...any) error }) (ReviewItem, error) {
	var item ReviewItem
	var createdAt string
	err := row.Scan(&item.ID, &item.DocID, &item.DocTitle, &item.Type, &item.Suggestion,
		&item.Reasoning, &item.Alternatives, &item.Attempts, &item.LastFeedback,
		&item.NextTag, &item.Metadata, &createdAt)
	if err != nil {
		return ReviewItem{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return ReviewItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	item.CreatedAt = t
	return item, nil
}

// --- Blocked suggestions ---

func (s *Store) SaveBlocked(block BlockedSuggestion) error {
	createdAt := block.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO blocked_suggestions (id, name, normalized_name, block_type, reason, category, doc_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		block.ID, block.Name, block.NormalizedName, block.BlockType, block.Reason,
		block.Category, block.DocID, createdAt.Format(time.RFC3339),
	)
	return err
}

// FindBlocked looks up a block matching the normalized name, either global or
// scoped to blockType. Returns ErrNotFound when the name is not blocked.
func (s *Store) FindBlocked(normalizedName, blockType string) (BlockedSuggestion, error) {
	row := s.db.QueryRow(`
		SELECT id, name, normalized_name, block_type, reason, category, doc_id, created_at
		FROM blocked_suggestions
		WHERE normalized_name = ? AND block_type IN ('global', ?)
		LIMIT 1`, normalizedName, blockType)
	block, err := scanBlocked(row)
	if err == sql.ErrNoRows {
		return BlockedSuggestion{}, ErrNotFound
	}
	return block, err
}

func (s *Store) ListBlocked() ([]BlockedSuggestion, error) {
	rows, err := s.db.Query(`
		SELECT id, name, normalized_name, block_type, reason, category, doc_id, created_at
		FROM blocked_suggestions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BlockedSuggestion
	for rows.Next() {
		block, err := scanBlocked(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, block)
	}
	return results, rows.Err()
}

func (s *Store) DeleteBlocked(id string) error {
	res, err := s.db.Exec(`DELETE FROM blocked_suggestions WHERE id = ?`, id)
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

func scanBlocked(row interface{ Scan(...any) error }) (BlockedSuggestion, error) {
	var block BlockedSuggestion
	var createdAt string
	err := row.Scan(&block.ID, &block.Name, &block.NormalizedName, &block.BlockType,
		&block.Reason, &block.Category, &block.DocID, &createdAt)
	if err != nil {
		return BlockedSuggestion{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return BlockedSuggestion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	block.CreatedAt = t
	return block, nil
}

// --- Settings ---

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}
