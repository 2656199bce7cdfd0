package types

// Migration is a single schema step. SQL holds both directions separated by the
// "-- +migrate Down" / "-- +migrate Up" markers understood by sql-migrate.
type Migration struct {
	ID     string
	SQL    string
	Prefix string
}
