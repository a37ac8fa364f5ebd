package database

import (
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// every statement the repositories build targets postgres
var flavor = sqlbuilder.PostgreSQL

// NewStruct maps a db-tagged row type to postgres column lists
func NewStruct(row any) *sqlbuilder.Struct {
	return sqlbuilder.NewStruct(row).For(flavor)
}

func NewInsertBuilder() *sqlbuilder.InsertBuilder {
	return flavor.NewInsertBuilder()
}

func NewUpdateBuilder() *sqlbuilder.UpdateBuilder {
	return flavor.NewUpdateBuilder()
}

func NewDeleteBuilder() *sqlbuilder.DeleteBuilder {
	return flavor.NewDeleteBuilder()
}

// OnConflictDoNothing makes the insert a no-op when a row with the same key exists.
// With no columns any unique violation is ignored.
func OnConflictDoNothing(ib *sqlbuilder.InsertBuilder, columns ...string) {
	if len(columns) == 0 {
		ib.SQL("ON CONFLICT DO NOTHING")
		return
	}
	ib.SQL("ON CONFLICT (" + strings.Join(columns, ", ") + ") DO NOTHING")
}
