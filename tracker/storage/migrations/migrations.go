package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/db/types"
	"github.com/xcall-tracker/xtracker/log"
)

//go:embed 0001.sql
var mig001 string

func RunMigrations(logger *log.Logger, database *sql.DB) error {
	migrations := []types.Migration{
		{
			ID:     "0001",
			SQL:    mig001,
			Prefix: "tracker",
		},
	}

	return db.RunMigrationsDB(logger, database, migrations)
}
