package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/micro-ha/ser-gateway/internal/event"
	"github.com/micro-ha/ser-gateway/internal/model"
)

// StoredEvent is one row of the events table.
type StoredEvent struct {
	ID               int64     `json:"id"`
	Device           string    `json:"device"`
	SequenceNumber   uint32    `json:"sequence_number"`
	Timestamp        time.Time `json:"timestamp"`
	EventCode        int       `json:"event_code"`
	EventType        string    `json:"event_type"`
	Channel          int       `json:"channel"`
	Status           string    `json:"status"`
	CoincidentStatus uint32    `json:"coincident_status"`
	TimeQuality      string    `json:"time_quality"`
}

type columns struct {
	table, key, device, seq, ts, code, kind, channel, status, coincident, quality string
}

// EventTable reads and writes decoded events using a configurable table layout.
type EventTable struct {
	db     *DB
	schema model.EventSchema
	cols   columns

	insertSQL string
	pruneSQL  string
	recentSQL string
}

// Events binds the events table described by schema. Identifiers are validated and quoted.
func (d *DB) Events(schema model.EventSchema) (*EventTable, error) {
	schema = schema.Normalize()
	quoted := make([]string, 0, 11)
	for _, ident := range schema.Identifiers() {
		q, err := quote(ident)
		if err != nil {
			return nil, err
		}
		quoted = append(quoted, q)
	}
	c := columns{
		table: quoted[0], key: quoted[1], device: quoted[2], seq: quoted[3], ts: quoted[4],
		code: quoted[5], kind: quoted[6], channel: quoted[7], status: quoted[8],
		coincident: quoted[9], quality: quoted[10],
	}

	t := &EventTable{db: d, schema: schema, cols: c}
	t.insertSQL = fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s) VALUES (%s) ON CONFLICT DO NOTHING`,
		c.table, c.device, c.seq, c.ts, c.code, c.kind, c.channel, c.status, c.coincident, c.quality,
		d.dialect.binds(1, 9),
	)
	t.pruneSQL = fmt.Sprintf(`DELETE FROM %s WHERE %s = %s AND %s < %s`,
		c.table, c.device, d.dialect.bind(1), c.ts, d.dialect.bind(2))
	t.recentSQL = fmt.Sprintf(
		`SELECT %s, %s, %s, %s, %s, %s, %s, %s, %s, %s FROM %s WHERE %s = %s ORDER BY %s DESC, %s DESC LIMIT %s`,
		c.key, c.device, c.seq, c.ts, c.code, c.kind, c.channel, c.status, c.coincident, c.quality,
		c.table, c.device, d.dialect.bind(1), c.ts, c.key, d.dialect.bind(2),
	)
	return t, nil
}

func (t *EventTable) Schema() model.EventSchema {
	return t.schema
}

// Verify checks the events table exists with every configured column.
func (t *EventTable) Verify(ctx context.Context) error {
	present, err := t.db.columns(ctx, t.schema.Table)
	if err != nil {
		if pingErr := t.db.Ping(ctx); pingErr != nil {
			return pingErr
		}
		return fmt.Errorf("%w: %s: %v", ErrSchemaVerification, t.schema.Table, err)
	}
	if len(present) == 0 {
		return fmt.Errorf("%w: table %s does not exist", ErrSchemaVerification, t.schema.Table)
	}

	var missing []string
	for _, column := range t.schema.Identifiers()[1:] {
		if !present[t.db.dialect.foldIdent(column)] {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: table %s has no column %s",
			ErrSchemaVerification, t.schema.Table, strings.Join(missing, ", "))
	}
	return nil
}

// EnsureSchema verifies the table and, when autoCreate is set, creates the table
// and its indexes first.
func (t *EventTable) EnsureSchema(ctx context.Context, autoCreate bool) error {
	if autoCreate {
		if err := t.migrate(ctx); err != nil {
			return err
		}
	}
	return t.Verify(ctx)
}

func (t *EventTable) migrate(ctx context.Context) error {
	c := t.cols
	table := t.schema.Table
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s %s,
			%s VARCHAR(255) NOT NULL,
			%s INTEGER NOT NULL,
			%s BIGINT NOT NULL,
			%s INTEGER NOT NULL,
			%s VARCHAR(255),
			%s INTEGER NOT NULL,
			%s VARCHAR(32),
			%s BIGINT,
			%s VARCHAR(32)
		)`, c.table, c.key, t.db.dialect.keyColumnType(), c.device, c.seq, c.ts, c.code, c.kind,
			c.channel, c.status, c.coincident, c.quality),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "UX_%s_EVENT" ON %s (%s, %s, %s)`, table, c.table, c.device, c.seq, c.ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "IX_%s_TS" ON %s (%s)`, table, c.table, c.ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "IX_%s_CODE" ON %s (%s)`, table, c.table, c.code),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "IX_%s_CHANNEL" ON %s (%s)`, table, c.table, c.channel),
	}
	for _, stmt := range statements {
		if _, err := t.db.db.ExecContext(ctx, stmt); err != nil {
			if pingErr := t.db.Ping(ctx); pingErr != nil {
				return pingErr
			}
			return fmt.Errorf("%w: create %s: %v", ErrSchemaVerification, table, err)
		}
	}
	return nil
}

// Append stores one event. Rows already present for the same device, sequence
// number and timestamp are ignored, so replaying a window is harmless.
func (t *EventTable) Append(ctx context.Context, device string, rec event.Record) error {
	_, err := t.db.db.ExecContext(ctx, t.insertSQL,
		device,
		int64(rec.SequenceNumber),
		rec.TimestampMs,
		int(rec.Code),
		rec.Code.Display(),
		rec.Channel,
		rec.InputStatus.String(),
		int64(rec.CoincidentStatus),
		rec.TimeQuality.String(),
	)
	if err != nil {
		return t.wrap(ctx, "append", err)
	}
	return nil
}

// AppendBatch stores records in one transaction.
func (t *EventTable) AppendBatch(ctx context.Context, device string, recs []event.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := t.db.db.BeginTx(ctx, nil)
	if err != nil {
		return t.wrap(ctx, "begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, t.insertSQL)
	if err != nil {
		return t.wrap(ctx, "prepare", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			device,
			int64(rec.SequenceNumber),
			rec.TimestampMs,
			int(rec.Code),
			rec.Code.Display(),
			rec.Channel,
			rec.InputStatus.String(),
			int64(rec.CoincidentStatus),
			rec.TimeQuality.String(),
		); err != nil {
			return t.wrap(ctx, "append", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return t.wrap(ctx, "commit", err)
	}
	return nil
}

// Prune deletes events of device stamped before the cutoff and returns the number removed.
func (t *EventTable) Prune(ctx context.Context, device string, before time.Time) (int64, error) {
	res, err := t.db.db.ExecContext(ctx, t.pruneSQL, device, before.UnixMilli())
	if err != nil {
		return 0, t.wrap(ctx, "prune", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// Recent returns up to limit events of device, newest first.
func (t *EventTable) Recent(ctx context.Context, device string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.db.QueryContext(ctx, t.recentSQL, device, limit)
	if err != nil {
		return nil, t.wrap(ctx, "query", err)
	}
	defer rows.Close()

	out := []StoredEvent{}
	for rows.Next() {
		var (
			item                  StoredEvent
			seq, ms, coincident   int64
			kind, status, quality sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Device, &seq, &ms, &item.EventCode, &kind, &item.Channel, &status, &coincident, &quality); err != nil {
			return nil, t.wrap(ctx, "scan", err)
		}
		item.SequenceNumber = uint32(seq)
		item.Timestamp = time.UnixMilli(ms).UTC()
		item.CoincidentStatus = uint32(coincident)
		item.EventType = kind.String
		item.Status = status.String
		item.TimeQuality = quality.String
		out = append(out, item)
	}
	return out, rows.Err()
}

func (t *EventTable) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s %s: %w", op, t.schema.Table, ctx.Err())
	}
	if pingErr := t.db.Ping(ctx); pingErr != nil {
		return fmt.Errorf("%s %s: %w", op, t.schema.Table, pingErr)
	}
	if schemaError(err) {
		return fmt.Errorf("%w: %s %s: %v", ErrSchemaVerification, op, t.schema.Table, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrStatementFailed, op, t.schema.Table, err)
}

var schemaErrorFragments = []string{
	"no such table",
	"no such column",
	"has no column",
	"does not exist",
}

// schemaError recognizes driver messages about missing tables or columns.
func schemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range schemaErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
