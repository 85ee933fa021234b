// Package store persists run results in SQLite. Decoded guest tables are
// materialized as real SQL tables keyed by content uuid, alongside a
// content registry and captured module output.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/sift/protocol"
)

// SchemaError indicates a guest redefined a table with an incompatible
// shape, or used a name the store cannot accept.
type SchemaError struct {
	Table  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table %q: %s", e.Table, e.Reason)
}

// Store is a results database. All methods are safe for concurrent use;
// guest table schemas are cached so redefinition across runs is validated
// without touching sqlite_master.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	schemas map[string][]protocol.Column
}

// Open opens or creates a results database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL plus a busy timeout so the worker pool can share one file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database: %w", err)
		}
	}

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS sift_content (
			uuid TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			parent_uuid TEXT,
			processed_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sift_module_output (
			content_uuid TEXT NOT NULL,
			module_name TEXT NOT NULL,
			stdout TEXT,
			stderr TEXT,
			stdout_truncated INTEGER NOT NULL DEFAULT 0,
			stderr_truncated INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (content_uuid, module_name),
			FOREIGN KEY (content_uuid) REFERENCES sift_content(uuid)
		)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}

	return &Store{db: db, schemas: make(map[string][]protocol.Column)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSuccess registers content as processed cleanly. parentUUID is
// empty for root content.
func (s *Store) RecordSuccess(uuid, filename, parentUUID string) error {
	return s.recordContent(uuid, filename, parentUUID, "success", "")
}

// RecordFailure registers content whose run failed, with the run error's
// message.
func (s *Store) RecordFailure(uuid, filename, parentUUID, errMsg string) error {
	return s.recordContent(uuid, filename, parentUUID, "failed", errMsg)
}

func (s *Store) recordContent(uuid, filename, parentUUID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent, message any
	if parentUUID != "" {
		parent = parentUUID
	}
	if errMsg != "" {
		message = errMsg
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sift_content
		 (uuid, filename, parent_uuid, processed_at, status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid, filename, parent, time.Now().Unix(), status, message,
	)
	if err != nil {
		return fmt.Errorf("recording content: %w", err)
	}
	return nil
}

// ContentStatus reports the recorded status for a content uuid.
// sql.ErrNoRows surfaces unwrapped when the uuid is unknown.
func (s *Store) ContentStatus(uuid string) (string, error) {
	var status string
	err := s.db.QueryRow(
		"SELECT status FROM sift_content WHERE uuid = ?", uuid,
	).Scan(&status)
	return status, err
}

// RecordOutput stores a module's captured stdout and stderr for one
// content. Nothing is written when both streams are empty.
func (s *Store) RecordOutput(contentUUID, moduleName, stdout, stderr string, stdoutTrunc, stderrTrunc bool) error {
	if stdout == "" && stderr == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sift_module_output
		 (content_uuid, module_name, stdout, stderr, stdout_truncated, stderr_truncated)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		contentUUID, moduleName, stdout, stderr, boolInt(stdoutTrunc), boolInt(stderrTrunc),
	)
	if err != nil {
		return fmt.Errorf("recording module output: %w", err)
	}
	return nil
}

// StoreTables materializes decoded guest tables, creating each on first
// sight and validating the schema on every later one.
func (s *Store) StoreTables(contentUUID string, tables []*protocol.Table) error {
	for _, t := range tables {
		if err := s.defineTable(t.Name, t.Columns); err != nil {
			return err
		}
		for _, row := range t.Rows {
			if err := s.insertRow(t.Name, contentUUID, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) defineTable(name string, columns []protocol.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.schemas[name]; ok {
		return validateSchemaMatch(name, existing, columns)
	}

	if err := checkIdentifier(name); err != nil {
		return &SchemaError{Table: name, Reason: err.Error()}
	}

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %q (content_uuid TEXT NOT NULL", name)
	for _, col := range columns {
		if err := checkIdentifier(col.Name); err != nil {
			return &SchemaError{Table: name, Reason: fmt.Sprintf("column %q: %s", col.Name, err)}
		}
		colType, err := sqlType(col.DataType)
		if err != nil {
			return &SchemaError{Table: name, Reason: err.Error()}
		}
		fmt.Fprintf(&ddl, ", %q %s", col.Name, colType)
	}
	ddl.WriteString(", FOREIGN KEY(content_uuid) REFERENCES sift_content(uuid))")

	if _, err := s.db.Exec(ddl.String()); err != nil {
		return fmt.Errorf("creating table %q: %w", name, err)
	}
	s.schemas[name] = append([]protocol.Column(nil), columns...)
	return nil
}

func validateSchemaMatch(name string, existing, incoming []protocol.Column) error {
	if len(existing) != len(incoming) {
		return &SchemaError{
			Table:  name,
			Reason: fmt.Sprintf("column count changed (%d vs %d)", len(existing), len(incoming)),
		}
	}
	for i := range existing {
		if existing[i].Name != incoming[i].Name {
			return &SchemaError{
				Table:  name,
				Reason: fmt.Sprintf("column %d renamed (%q vs %q)", i, existing[i].Name, incoming[i].Name),
			}
		}
		if existing[i].DataType != incoming[i].DataType {
			return &SchemaError{
				Table:  name,
				Reason: fmt.Sprintf("column %q type changed (%s vs %s)", existing[i].Name, existing[i].DataType, incoming[i].DataType),
			}
		}
	}
	return nil
}

func (s *Store) insertRow(table, contentUUID string, values []protocol.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, 0, len(values)+1)
	args = append(args, contentUUID)
	placeholders := make([]string, 0, len(values)+1)
	placeholders = append(placeholders, "?")
	for _, v := range values {
		arg, err := sqlValue(v)
		if err != nil {
			return &SchemaError{Table: table, Reason: err.Error()}
		}
		args = append(args, arg)
		placeholders = append(placeholders, "?")
	}

	query := fmt.Sprintf("INSERT INTO %q VALUES (%s)", table, strings.Join(placeholders, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("inserting into %q: %w", table, err)
	}
	return nil
}

// checkIdentifier guards names that get interpolated into DDL. They come
// from the guest, so anything outside a conservative identifier shape is
// rejected, as are names colliding with the store's own tables.
func checkIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	if strings.HasPrefix(name, "sift_") || strings.HasPrefix(name, "sqlite_") {
		return fmt.Errorf("reserved identifier %q", name)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("identifier %q starts with a digit", name)
			}
		default:
			return fmt.Errorf("identifier %q contains %q", name, r)
		}
	}
	return nil
}

// sqlType maps a declared column type onto SQLite storage. Bool and Bytes
// schemas land in the columns their values narrow to on the wire
// (Bool as Int64 0/1, Bytes as String).
func sqlType(dt protocol.DataType) (string, error) {
	switch dt {
	case protocol.TypeInt64, protocol.TypeBool:
		return "INTEGER", nil
	case protocol.TypeFloat64:
		return "REAL", nil
	case protocol.TypeString, protocol.TypeBytes:
		return "TEXT", nil
	default:
		return "", fmt.Errorf("unknown column type %q", dt)
	}
}

func sqlValue(v protocol.Value) (any, error) {
	switch v.Kind {
	case protocol.TypeInt64:
		return v.Int, nil
	case protocol.TypeFloat64:
		return v.Float, nil
	case protocol.TypeString:
		return v.Str, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
