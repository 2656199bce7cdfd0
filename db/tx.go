package db

import (
	"context"
	"database/sql"
)

const errWhileRollbackFormat = "error while rolling back tx: %v"

// Querier is satisfied by *sql.DB, *sql.Tx and *Tx
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// DBer is a Querier able to open transactions
type DBer interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type Tx struct {
	*sql.Tx
	rollbackCallbacks []func()
	commitCallbacks   []func()
}

func NewTx(ctx context.Context, db DBer) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		Tx: tx,
	}, nil
}

func (s *Tx) AddRollbackCallback(cb func()) {
	s.rollbackCallbacks = append(s.rollbackCallbacks, cb)
}
func (s *Tx) AddCommitCallback(cb func()) {
	s.commitCallbacks = append(s.commitCallbacks, cb)
}

func (s *Tx) Commit() error {
	if err := s.Tx.Commit(); err != nil {
		return err
	}
	for _, cb := range s.commitCallbacks {
		cb()
	}
	return nil
}

func (s *Tx) Rollback() error {
	if err := s.Tx.Rollback(); err != nil {
		return err
	}
	for _, cb := range s.rollbackCallbacks {
		cb()
	}
	return nil
}

// RunInTx opens a transaction, runs fn and commits. Any error from fn or from the
// commit rolls the transaction back; rollback failures are only logged.
func RunInTx(ctx context.Context, db DBer, logger interface{ Errorf(string, ...interface{}) },
	fn func(tx *Tx) error) (err error) {
	tx, err := NewTx(ctx, db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				logger.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}
