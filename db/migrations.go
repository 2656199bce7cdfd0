package db

import (
	"database/sql"
	"fmt"
	"strings"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/xcall-tracker/xtracker/db/types"
	"github.com/xcall-tracker/xtracker/log"
)

const (
	upDownSeparator  = "-- +migrate Up"
	dbPrefixReplacer = "/*dbprefix*/"
)

// RunMigrations will execute pending migrations if needed to keep
// the database updated with the latest changes in either direction,
// up or down.
func RunMigrations(dbPath string, migrations []types.Migration) error {
	db, err := NewSQLiteDB(dbPath)
	if err != nil {
		return fmt.Errorf("error creating DB %w", err)
	}
	defer db.Close()

	return RunMigrationsDB(log.GetDefaultLogger(), db, migrations)
}

// RunMigrationsDB runs the given migrations on an already opened database
func RunMigrationsDB(logger *log.Logger, db *sql.DB, migrations []types.Migration) error {
	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}
	for _, m := range migrations {
		prefixed := strings.ReplaceAll(m.SQL, dbPrefixReplacer, m.Prefix)
		splitted := strings.Split(prefixed, upDownSeparator)
		if len(splitted) != 2 { //nolint:mnd
			return fmt.Errorf("migration %s: expected a single %q marker", m.ID, upDownSeparator)
		}
		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id:   m.Prefix + m.ID,
			Up:   []string{splitted[1]},
			Down: []string{splitted[0]},
		})
	}

	logger.Debugf("running migrations:")
	for _, m := range migs.Migrations {
		logger.Debugf("%+v", m.Id)
	}
	nMigrations, err := migrate.Exec(db, "sqlite3", migs, migrate.Up)
	if err != nil {
		return fmt.Errorf("error executing migration %w", err)
	}

	logger.Infof("successfully ran %d migrations", nMigrations)
	return nil
}
