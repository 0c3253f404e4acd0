package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	v := NewSchemaValidator(db)

	assert.Error(t, v.ValidateTablesExist())
	assert.Error(t, v.ValidateIndexes())

	require.NoError(t, NewMigrationManager(db).ApplyMigrations())

	assert.NoError(t, v.ValidateTablesExist())
	assert.NoError(t, v.ValidateTableStructure())
	assert.NoError(t, v.ValidateIndexes())
	assert.NoError(t, v.ValidateConstraints())

	var sessions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&sessions))
	assert.Zero(t, sessions, "constraint check leaves no rows")
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE sessions (id INTEGER PRIMARY KEY, start_time DATETIME, end_time DATETIME);
	`)
	require.NoError(t, err)

	err = NewSchemaValidator(db).ValidateTableStructure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column")
}

func TestSchemaValidator_ForeignKeysOff(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())
	_, err := db.Exec("PRAGMA foreign_keys = OFF")
	require.NoError(t, err)

	err = NewSchemaValidator(db).ValidateConstraints()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key")
}
