package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/russross/meddler"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/tracker/storage/migrations"
	"github.com/xcall-tracker/xtracker/xcall"
)

var ErrAlreadyExists = errors.New("already exists")

const defaultListLimit = 100

// TransactionFilter selects transactions for ListTransactions
type TransactionFilter struct {
	Statuses        []xcall.TxStatus
	SourceChainID   string
	Type            xcall.TxType
	IncludeArchived bool
	Limit           uint64
	Offset          uint64
}

// EventQuery selects stored events that may belong to a message. Exactly one of TxHash,
// Sequence and RequestID is expected. Events already attached to another message are
// never returned.
type EventQuery struct {
	Kind      xcall.EventKind
	ChainID   string
	TxHash    string
	Sequence  string
	RequestID string
	MessageID string
}

// Storage persists transactions, messages, the event store and the chain watermarks.
// Methods taking a db.Querier run inside the caller's transaction; a nil querier uses
// the database directly.
type Storage interface {
	// RunInTx runs fn inside a single database transaction
	RunInTx(ctx context.Context, fn func(tx db.Querier) error) error

	// InsertTransaction stores a new transaction, ErrAlreadyExists if the id is taken
	InsertTransaction(tx db.Querier, t *xcall.Transaction) error
	// UpsertTransaction inserts or updates a transaction by id
	UpsertTransaction(tx db.Querier, t *xcall.Transaction) error
	// GetTransaction returns db.ErrNotFound when the id is unknown
	GetTransaction(tx db.Querier, id string) (*xcall.Transaction, error)
	// ListTransactions returns the newest transactions matching the filter
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*xcall.Transaction, error)
	// ArchiveTransactions flags final transactions last updated before the given time
	ArchiveTransactions(ctx context.Context, before, now time.Time) (int64, error)

	// InsertMessage stores a new hop, ErrAlreadyExists if the hop or the id is taken
	InsertMessage(tx db.Querier, m *xcall.Message) error
	// UpdateMessage persists the mutable fields of a message
	UpdateMessage(tx db.Querier, m *xcall.Message) error
	// GetMessage returns a message with its attached events
	GetMessage(tx db.Querier, id string) (*xcall.Message, error)
	// GetMessages returns the hops of a transaction ordered by hop
	GetMessages(tx db.Querier, transactionID string) ([]*xcall.Message, error)
	// ActiveMessages returns the non terminal messages of pending transactions touching
	// chainID, every chain when chainID is empty
	ActiveMessages(ctx context.Context, chainID string) ([]*xcall.Message, error)
	// MinActiveWatermark returns the lowest watermark recorded by the active messages of a chain
	MinActiveWatermark(ctx context.Context, chainID string) (uint64, bool, error)
	// SetStalled flags the active messages touching chainID and returns their ids
	SetStalled(ctx context.Context, chainID, reason string) ([]string, error)
	// ClearStalled drops the flag set with the same reason and returns the affected ids
	ClearStalled(ctx context.Context, chainID, reason string) ([]string, error)
	// MarkStalled flags the given messages
	MarkStalled(ctx context.Context, ids []string, reason string) error

	// InsertEvents stores events, duplicates are ignored. It returns how many were new.
	InsertEvents(ctx context.Context, events []xcall.Event, now time.Time) (int, error)
	// FindEvents returns candidate events ordered by height and log index
	FindEvents(tx db.Querier, query EventQuery) ([]xcall.Event, error)
	// AttachEvent links an event to the message it was applied to
	AttachEvent(tx db.Querier, ev xcall.Event, messageID string) error
	// PruneOrphanEvents deletes events never attached to a message stored before the given time
	PruneOrphanEvents(ctx context.Context, before time.Time) (int64, error)

	// GetWatermark returns the persisted watermark of a chain
	GetWatermark(ctx context.Context, chainID string) (uint64, bool, error)
	// ChainWatermark is GetWatermark read through tx
	ChainWatermark(tx db.Querier, chainID string) (uint64, bool, error)
	// SetWatermark raises the watermark of a chain, lower values are ignored
	SetWatermark(ctx context.Context, chainID string, height uint64, now time.Time) error
	// Watermarks returns every persisted watermark
	Watermarks(ctx context.Context) (map[string]uint64, error)
}

var _ Storage = (*SQLStorage)(nil)

// SQLStorage is the sqlite implementation of Storage
type SQLStorage struct {
	logger *log.Logger
	db     *sql.DB
}

// NewSQLStorage opens the database at dbPath and runs the pending migrations
func NewSQLStorage(logger *log.Logger, dbPath string) (*SQLStorage, error) {
	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrations.RunMigrations(logger, database); err != nil {
		database.Close()
		return nil, err
	}
	return NewSQLStorageFromDB(logger, database), nil
}

// NewSQLStorageFromDB wraps an already migrated database
func NewSQLStorageFromDB(logger *log.Logger, database *sql.DB) *SQLStorage {
	return &SQLStorage{
		logger: logger,
		db:     database,
	}
}

// Close releases the database
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) getDBQuerier(tx db.Querier) db.Querier {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *SQLStorage) RunInTx(ctx context.Context, fn func(tx db.Querier) error) error {
	return db.RunInTx(ctx, s.db, s.logger, func(tx *db.Tx) error {
		return fn(tx)
	})
}

func (s *SQLStorage) InsertTransaction(tx db.Querier, t *xcall.Transaction) error {
	if err := meddler.Insert(s.getDBQuerier(tx), "xtransaction", newTransactionRow(t)); err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", t.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStorage) UpsertTransaction(tx db.Querier, t *xcall.Transaction) error {
	row := newTransactionRow(t)
	values, err := meddler.Default.Values(row, true)
	if err != nil {
		return err
	}
	columns, err := meddler.Default.Columns(row, true)
	if err != nil {
		return err
	}
	query := sq.Insert("xtransaction").Columns(columns...).Values(values...).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at,
			archived_at = excluded.archived_at`)
	stmt, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.getDBQuerier(tx).Exec(stmt, args...); err != nil {
		return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetTransaction(tx db.Querier, id string) (*xcall.Transaction, error) {
	row := &transactionRow{}
	err := meddler.QueryRow(s.getDBQuerier(tx), row, "SELECT * FROM xtransaction WHERE id = $1;", id)
	if err != nil {
		return nil, db.ReturnErrNotFound(err)
	}
	return row.toTransaction(), nil
}

func (s *SQLStorage) ListTransactions(ctx context.Context,
	filter TransactionFilter) ([]*xcall.Transaction, error) {
	query := sq.Select("*").From("xtransaction").OrderBy("created_at DESC", "id ASC")
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query = query.Where(sq.Eq{"status": statuses})
	}
	if filter.SourceChainID != "" {
		query = query.Where(sq.Eq{"source_chain_id": filter.SourceChainID})
	}
	if filter.Type != "" {
		query = query.Where(sq.Eq{"type": string(filter.Type)})
	}
	if !filter.IncludeArchived {
		query = query.Where(sq.Eq{"archived_at": nil})
	}
	limit := filter.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	query = query.Limit(limit).Offset(filter.Offset)

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*transactionRow
	if err := meddler.QueryAll(s.db, &rows, stmt, args...); err != nil {
		return nil, err
	}
	out := make([]*xcall.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.toTransaction()
	}
	return out, nil
}

func (s *SQLStorage) ArchiveTransactions(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE xtransaction SET archived_at = $1
		WHERE archived_at IS NULL AND status IN ($2, $3) AND updated_at < $4;`,
		now.Unix(), string(xcall.TxSuccess), string(xcall.TxFailure), before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStorage) InsertMessage(tx db.Querier, m *xcall.Message) error {
	if err := meddler.Insert(s.getDBQuerier(tx), "message", newMessageRow(m)); err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("message %s (hop %d of %s): %w", m.ID, m.Hop, m.TransactionID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLStorage) UpdateMessage(tx db.Querier, m *xcall.Message) error {
	res, err := s.getDBQuerier(tx).Exec(`UPDATE message SET
			status = $1, stalled = $2, stalled_reason = $3, updated_at = $4
		WHERE id = $5;`,
		string(m.Status), m.Stalled, nullString(m.StalledReason), m.UpdatedAt.Unix(), m.ID)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update message %s: %w", m.ID, db.ErrNotFound)
	}
	return nil
}

func (s *SQLStorage) GetMessage(tx db.Querier, id string) (*xcall.Message, error) {
	q := s.getDBQuerier(tx)
	row := &messageRow{}
	if err := meddler.QueryRow(q, row, "SELECT * FROM message WHERE id = $1;", id); err != nil {
		return nil, db.ReturnErrNotFound(err)
	}
	return s.withEvents(q, row)
}

func (s *SQLStorage) GetMessages(tx db.Querier, transactionID string) ([]*xcall.Message, error) {
	q := s.getDBQuerier(tx)
	var rows []*messageRow
	if err := meddler.QueryAll(q, &rows,
		"SELECT * FROM message WHERE transaction_id = $1 ORDER BY hop ASC;", transactionID); err != nil {
		return nil, err
	}
	return s.withEventsAll(q, rows)
}

func activeMessagesQuery(chainID string) sq.SelectBuilder {
	query := sq.Select("m.*").From("message m").
		Join("xtransaction t ON t.id = m.transaction_id").
		Where(sq.NotEq{"m.status": []string{
			string(xcall.StatusExecutedSuccess), string(xcall.StatusExecutedFailure)}}).
		Where(sq.Eq{"t.status": string(xcall.TxPending)})
	if chainID != "" {
		query = query.Where(sq.Or{
			sq.Eq{"m.source_chain_id": chainID},
			sq.Eq{"m.destination_chain_id": chainID},
		})
	}
	return query
}

func (s *SQLStorage) ActiveMessages(ctx context.Context, chainID string) ([]*xcall.Message, error) {
	stmt, args, err := activeMessagesQuery(chainID).OrderBy("m.created_at ASC", "m.hop ASC").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*messageRow
	if err := meddler.QueryAll(s.db, &rows, stmt, args...); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.withEventsAll(s.db, rows)
}

func (s *SQLStorage) MinActiveWatermark(ctx context.Context, chainID string) (uint64, bool, error) {
	var minimum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(w) FROM (
			SELECT m.source_watermark AS w FROM message m
				JOIN xtransaction t ON t.id = m.transaction_id
				WHERE m.source_chain_id = $1 AND t.status = $2 AND m.status NOT IN ($3, $4)
			UNION ALL
			SELECT m.destination_watermark AS w FROM message m
				JOIN xtransaction t ON t.id = m.transaction_id
				WHERE m.destination_chain_id = $1 AND t.status = $2 AND m.status NOT IN ($3, $4)
		);`, chainID, string(xcall.TxPending),
		string(xcall.StatusExecutedSuccess), string(xcall.StatusExecutedFailure)).Scan(&minimum)
	if err != nil {
		return 0, false, err
	}
	if !minimum.Valid || minimum.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(minimum.Int64), true, nil
}

func (s *SQLStorage) SetStalled(ctx context.Context, chainID, reason string) ([]string, error) {
	query := activeMessagesQuery(chainID).Where(sq.Eq{"m.stalled": false})
	return s.updateStalled(ctx, query, true, reason)
}

func (s *SQLStorage) ClearStalled(ctx context.Context, chainID, reason string) ([]string, error) {
	query := sq.Select("m.*").From("message m").
		Where(sq.Eq{"m.stalled": true, "m.stalled_reason": reason}).
		Where(sq.Or{
			sq.Eq{"m.source_chain_id": chainID},
			sq.Eq{"m.destination_chain_id": chainID},
		})
	return s.updateStalled(ctx, query, false, "")
}

func (s *SQLStorage) updateStalled(ctx context.Context, query sq.SelectBuilder,
	stalled bool, reason string) ([]string, error) {
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	var ids []string
	err = s.RunInTx(ctx, func(tx db.Querier) error {
		var rows []*messageRow
		if err := meddler.QueryAll(tx, &rows, stmt, args...); err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := tx.Exec("UPDATE message SET stalled = $1, stalled_reason = $2 WHERE id = $3;",
				stalled, nullString(reason), r.ID); err != nil {
				return err
			}
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLStorage) MarkStalled(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	stmt, args, err := sq.Update("message").
		Set("stalled", true).
		Set("stalled_reason", reason).
		Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, stmt, args...)
	return err
}

func (s *SQLStorage) withEvents(q db.Querier, row *messageRow) (*xcall.Message, error) {
	m := row.toMessage()
	var events []*eventRow
	if err := meddler.QueryAll(q, &events,
		"SELECT * FROM event WHERE message_id = $1 ORDER BY height ASC, log_index ASC;", m.ID); err != nil {
		return nil, err
	}
	for _, e := range events {
		m.Events[xcall.EventKind(e.Kind)] = e.toEvent()
	}
	return m, nil
}

func (s *SQLStorage) withEventsAll(q db.Querier, rows []*messageRow) ([]*xcall.Message, error) {
	out := make([]*xcall.Message, 0, len(rows))
	for _, r := range rows {
		m, err := s.withEvents(q, r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLStorage) InsertEvents(ctx context.Context, events []xcall.Event, now time.Time) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.RunInTx(ctx, func(tx db.Querier) error {
		inserted = 0
		for _, ev := range events {
			if err := meddler.Insert(tx, "event", newEventRow(ev, now)); err != nil {
				if db.IsUniqueViolation(err) {
					continue
				}
				return fmt.Errorf("insert event %s: %w", ev.Key(), err)
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

func (s *SQLStorage) FindEvents(tx db.Querier, query EventQuery) ([]xcall.Event, error) {
	builder := sq.Select("*").From("event").
		Where(sq.Eq{"kind": string(query.Kind), "chain_id": query.ChainID}).
		OrderBy("height ASC", "log_index ASC")
	switch {
	case query.TxHash != "":
		builder = builder.Where(sq.Eq{"tx_hash": xcall.NormalizeHash(query.TxHash)})
	case query.Sequence != "":
		builder = builder.Where(sq.Eq{"sequence": query.Sequence})
	case query.RequestID != "":
		builder = builder.Where(sq.Eq{"request_id": query.RequestID})
	default:
		return nil, errors.New("event query without tx hash, sequence or request id")
	}
	if query.MessageID != "" {
		builder = builder.Where(sq.Or{sq.Eq{"message_id": nil}, sq.Eq{"message_id": query.MessageID}})
	} else {
		builder = builder.Where(sq.Eq{"message_id": nil})
	}
	stmt, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*eventRow
	if err := meddler.QueryAll(s.getDBQuerier(tx), &rows, stmt, args...); err != nil {
		return nil, err
	}
	out := make([]xcall.Event, len(rows))
	for i, r := range rows {
		out[i] = r.toEvent()
	}
	return out, nil
}

func (s *SQLStorage) AttachEvent(tx db.Querier, ev xcall.Event, messageID string) error {
	res, err := s.getDBQuerier(tx).Exec(`UPDATE event SET message_id = $1
		WHERE chain_id = $2 AND tx_hash = $3 AND log_index = $4
		AND (message_id IS NULL OR message_id = $1);`,
		messageID, ev.ChainID, xcall.NormalizeHash(ev.TxHash), ev.LogIndex)
	if err != nil {
		return fmt.Errorf("attach event %s: %w", ev.Key(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("attach event %s to %s: %w", ev.Key(), messageID, db.ErrNotFound)
	}
	return nil
}

func (s *SQLStorage) PruneOrphanEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM event WHERE message_id IS NULL AND created_at < $1;", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStorage) GetWatermark(_ context.Context, chainID string) (uint64, bool, error) {
	return s.ChainWatermark(nil, chainID)
}

func (s *SQLStorage) ChainWatermark(tx db.Querier, chainID string) (uint64, bool, error) {
	row := &watermarkRow{}
	err := meddler.QueryRow(s.getDBQuerier(tx), row, "SELECT * FROM watermark WHERE chain_id = $1;", chainID)
	if err != nil {
		if errors.Is(db.ReturnErrNotFound(err), db.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return row.Height, true, nil
}

func (s *SQLStorage) SetWatermark(ctx context.Context, chainID string, height uint64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO watermark (chain_id, height, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (chain_id) DO UPDATE SET
			height = MAX(watermark.height, excluded.height),
			updated_at = excluded.updated_at;`, chainID, height, now.Unix())
	return err
}

func (s *SQLStorage) Watermarks(ctx context.Context) (map[string]uint64, error) {
	var rows []*watermarkRow
	if err := meddler.QueryAll(s.db, &rows, "SELECT * FROM watermark ORDER BY chain_id;"); err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(rows))
	for _, r := range rows {
		out[r.ChainID] = r.Height
	}
	return out, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
