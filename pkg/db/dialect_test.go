package db

import (
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestDialectBuildsPostgresDSN(t *testing.T) {
	d, err := Dialect(Config{Type: "postgres", Host: "db", Port: "5432", Name: "billing", User: "app", Password: "pw", SSLMode: "disable"})
	require.NoError(t, err)
	assert.Equal(t, "host=db user=app password=pw dbname=billing port=5432 sslmode=disable TimeZone=UTC", d.(*postgres.Dialector).DSN)

	d, err = Dialect(Config{Type: "postgres", DSN: "postgres://app@db/billing"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@db/billing", d.(*postgres.Dialector).DSN)
}

func TestDialectDefaultsSqliteFile(t *testing.T) {
	d, err := Dialect(Config{Type: "sqlite"})
	require.NoError(t, err)
	assert.Equal(t, "billcore.db", d.(*sqlite.Dialector).DSN)
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: wallets.id")))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection refused")))
	assert.False(t, IsDuplicateKeyErr(nil))
}
