package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the archive schema.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"sessions":          "session lifetimes",
	"chat_messages":     "chat and presence history",
	"shared_files":      "completed uploads",
	"session_events":    "session event log",
	"schema_migrations": "migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_chat_session_time":   "chat history reads",
	"idx_files_session":       "file listing",
	"idx_events_session_time": "event log reads",
	"idx_events_type":         "event type filtering",
}

func (v *SchemaValidator) ValidateTablesExist() error {
	for table, purpose := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, purpose)
		}
	}
	return nil
}

// ValidateTableStructure compares column types with what the archive
// writes.
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"sessions": {
			"id":         "TEXT",
			"start_time": "DATETIME",
			"end_time":   "DATETIME",
		},
		"chat_messages": {
			"id":         "TEXT",
			"session_id": "TEXT",
			"kind":       "TEXT",
			"client_id":  "TEXT",
			"username":   "TEXT",
			"message":    "TEXT",
			"timestamp":  "DATETIME",
		},
		"shared_files": {
			"file_id":     "TEXT",
			"session_id":  "TEXT",
			"filename":    "TEXT",
			"filesize":    "INTEGER",
			"uploader_id": "TEXT",
			"upload_time": "DATETIME",
			"file_hash":   "TEXT",
		},
		"session_events": {
			"id":         "INTEGER",
			"session_id": "TEXT",
			"type":       "TEXT",
			"client_id":  "TEXT",
			"data":       "TEXT",
			"timestamp":  "DATETIME",
		},
	}
	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints checks that foreign keys and the chat kind check
// are enforced. It leaves no rows behind.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO chat_messages (id, session_id, kind, message, timestamp)
		VALUES ('constraint-check', 'no-such-session', 'chat', 'x', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM chat_messages WHERE id = 'constraint-check'")
		return fmt.Errorf("foreign key constraint not enforced: chat_messages.session_id")
	}

	if _, err := v.db.Exec(`
		INSERT INTO sessions (id, start_time) VALUES ('constraint-check', CURRENT_TIMESTAMP)
	`); err != nil {
		return fmt.Errorf("failed to create check session: %w", err)
	}
	defer func() { _, _ = v.db.Exec("DELETE FROM sessions WHERE id = 'constraint-check'") }()

	_, err = v.db.Exec(`
		INSERT INTO chat_messages (id, session_id, kind, message, timestamp)
		VALUES ('constraint-check', 'constraint-check', 'shout', 'x', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM chat_messages WHERE id = 'constraint-check'")
		return fmt.Errorf("check constraint not enforced: chat_messages.kind")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, want := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, want)
		}
	}
	return nil
}
