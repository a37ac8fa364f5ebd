package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type waitRow struct {
	ID     string `db:"id"`
	Status string `db:"status"`
}

func TestNewStruct_BuildsPostgresPlaceholders(t *testing.T) {
	rows := NewStruct(new(waitRow))

	sb := rows.SelectFrom("wait_instances")
	sb.Where(sb.Equal("id", "w1"), sb.Equal("status", "WAITING"))
	query, args := sb.Build()

	assert.Contains(t, query, "FROM wait_instances WHERE id = $1 AND status = $2")
	assert.Equal(t, []any{"w1", "WAITING"}, args)
}

func TestOnConflictDoNothing(t *testing.T) {
	ib := NewInsertBuilder()
	ib.InsertInto("notify_responses").Cols("id", "correlation_id").Values("r1", "c1")
	OnConflictDoNothing(ib, "correlation_id")
	query, args := ib.Build()

	assert.True(t, strings.HasPrefix(query, "INSERT INTO notify_responses (id, correlation_id) VALUES ($1, $2)"), query)
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (correlation_id) DO NOTHING"), query)
	assert.Equal(t, []any{"r1", "c1"}, args)

	bare := NewInsertBuilder()
	bare.InsertInto("t").Cols("id").Values("x")
	OnConflictDoNothing(bare)
	query, _ = bare.Build()
	assert.Contains(t, query, "ON CONFLICT DO NOTHING")
}

func TestMigrator_MissingDirFailsBeforeConnecting(t *testing.T) {
	zl, err := zap.NewDevelopment()
	require.NoError(t, err)
	migrator := NewMigrator(MigrationConfig{Dir: filepath.Join(t.TempDir(), "missing")}, zapadapter.NewZapEctoLogger(zl, nil))

	err = migrator.Up(nil, "fern")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration dir")
}
