package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	sqlite "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"
)

// init registers tags to be used to read/write from SQL DBs using meddler
func init() {
	meddler.Default = meddler.SQLite
	meddler.Register("bigint", BigIntMeddler{})
	meddler.Register("unixtime", UnixTimeMeddler{})
}

func SQLiteErr(err error) (*sqlite.Error, bool) {
	sqliteErr := &sqlite.Error{}
	if ok := errors.As(err, sqliteErr); ok {
		return sqliteErr, true
	}
	if driverErr, ok := meddler.DriverErr(err); ok {
		return sqliteErr, errors.As(driverErr, sqliteErr)
	}
	return sqliteErr, false
}

// BigIntMeddler encodes or decodes the field value to or from a decimal string.
// A nil *big.Int is stored as NULL and NULL is read back as nil, so an absent
// sequence or request id never turns into zero.
type BigIntMeddler struct{}

// PreRead is called before a Scan operation for fields that have the BigIntMeddler
func (b BigIntMeddler) PreRead(fieldAddr interface{}) (scanTarget interface{}, err error) {
	return new(sql.NullString), nil
}

// PostRead is called after a Scan operation for fields that have the BigIntMeddler
func (b BigIntMeddler) PostRead(fieldPtr, scanTarget interface{}) error {
	ptr, ok := scanTarget.(*sql.NullString)
	if !ok {
		return errors.New("scanTarget is not *sql.NullString")
	}
	field, ok := fieldPtr.(**big.Int)
	if !ok {
		return errors.New("fieldPtr is not *big.Int")
	}
	if !ptr.Valid {
		*field = nil
		return nil
	}
	decimal := 10
	*field, ok = new(big.Int).SetString(ptr.String, decimal)
	if !ok {
		return fmt.Errorf("big.Int.SetString failed on \"%v\"", ptr.String)
	}
	return nil
}

// PreWrite is called before an Insert or Update operation for fields that have the BigIntMeddler
func (b BigIntMeddler) PreWrite(fieldPtr interface{}) (saveValue interface{}, err error) {
	field, ok := fieldPtr.(*big.Int)
	if !ok {
		return nil, errors.New("fieldPtr is not *big.Int")
	}
	if field == nil {
		return nil, nil
	}

	return field.String(), nil
}

// UnixTimeMeddler stores a time.Time as unix seconds. The zero time is stored as NULL.
type UnixTimeMeddler struct{}

// PreRead is called before a Scan operation for fields that have the UnixTimeMeddler
func (m UnixTimeMeddler) PreRead(fieldAddr interface{}) (scanTarget interface{}, err error) {
	return new(sql.NullInt64), nil
}

// PostRead is called after a Scan operation for fields that have the UnixTimeMeddler
func (m UnixTimeMeddler) PostRead(fieldPtr, scanTarget interface{}) error {
	ptr, ok := scanTarget.(*sql.NullInt64)
	if !ok {
		return errors.New("scanTarget is not *sql.NullInt64")
	}
	field, ok := fieldPtr.(*time.Time)
	if !ok {
		return errors.New("fieldPtr is not *time.Time")
	}
	if !ptr.Valid {
		*field = time.Time{}
		return nil
	}
	*field = time.Unix(ptr.Int64, 0).UTC()
	return nil
}

// PreWrite is called before an Insert or Update operation for fields that have the UnixTimeMeddler
func (m UnixTimeMeddler) PreWrite(fieldPtr interface{}) (saveValue interface{}, err error) {
	field, ok := fieldPtr.(time.Time)
	if !ok {
		return nil, errors.New("fieldPtr is not time.Time")
	}
	if field.IsZero() {
		return nil, nil
	}
	return field.Unix(), nil
}
