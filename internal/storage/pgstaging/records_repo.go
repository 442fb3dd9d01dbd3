package pgstaging

import (
	"context"
	"time"

	"github.com/RailScan/StageBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const recordColumns = `
  id, workspace, serial, operator, wagon_refs,
  received_at, loaded_at, destination,
  grade, rail_type, spec, length_meters,
  raw_qr_text, captured_at, created_at
`

func (s *Storage) InsertRecord(ctx context.Context, in models.RecordInput) (*models.StagedRecord, error) {
	recs, err := s.BulkInsertRecords(ctx, in.Workspace, []models.RecordInput{in})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// BulkInsertRecords вставляет пачку в одной транзакции: либо вся офлайн-очередь
// станции экспортируется, либо ничего.
func (s *Storage) BulkInsertRecords(ctx context.Context, workspace string, items []models.RecordInput) ([]*models.StagedRecord, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]*models.StagedRecord, 0, len(items))
	for _, it := range items {
		rec := &models.StagedRecord{
			Serial:       models.NormalizeSerial(it.Serial),
			Workspace:    workspace,
			Operator:     it.Operator,
			WagonRefs:    it.WagonRefs,
			ReceivedAt:   it.ReceivedAt,
			LoadedAt:     it.LoadedAt,
			Destination:  it.Destination,
			Grade:        it.Grade,
			RailType:     it.RailType,
			Spec:         it.Spec,
			LengthMeters: it.LengthMeters,
			RawQRText:    it.RawQRText,
			CapturedAt:   it.CapturedAt,
			CreatedAt:    now,
		}
		if rec.WagonRefs == nil {
			rec.WagonRefs = []string{}
		}
		err := tx.QueryRow(ctx, `
INSERT INTO staged_records (
  workspace, serial, operator, wagon_refs,
  received_at, loaded_at, destination,
  grade, rail_type, spec, length_meters,
  raw_qr_text, captured_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id
`, rec.Workspace, rec.Serial, rec.Operator, rec.WagonRefs,
			rec.ReceivedAt, rec.LoadedAt, rec.Destination,
			rec.Grade, rec.RailType, rec.Spec, rec.LengthMeters,
			rec.RawQRText, rec.CapturedAt.UTC(), now).Scan(&rec.ID)
		if err != nil {
			return nil, errors.Wrap(err, "insert record")
		}
		out = append(out, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func (s *Storage) DeleteRecord(ctx context.Context, workspace string, id uint64) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM staged_records WHERE workspace = $1 AND id = $2`, workspace, id)
	if err != nil {
		return false, errors.Wrap(err, "delete record")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Storage) ClearWorkspace(ctx context.Context, workspace string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM staged_records WHERE workspace = $1`, workspace)
	if err != nil {
		return 0, errors.Wrap(err, "clear workspace")
	}
	return tag.RowsAffected(), nil
}

// PageRecords листает записи воркспейса от новых к старым keyset-курсором:
// cursor=0 значит "с самого верха", nextCursor=0 значит "дальше ничего нет".
func (s *Storage) PageRecords(ctx context.Context, workspace string, cursor uint64, limit int) ([]*models.StagedRecord, uint64, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
SELECT `+recordColumns+`
FROM staged_records
WHERE workspace = $1 AND ($2 = 0 OR id < $2)
ORDER BY id DESC
LIMIT $3
`, workspace, cursor, limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "select records page")
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}

	var next uint64
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *Storage) CountRecords(ctx context.Context, workspace string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM staged_records WHERE workspace = $1`, workspace).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	return n, nil
}

// FindBySerial возвращает самую свежую запись с таким серийником или nil.
// Уникальность серийника схемой не гарантируется, поэтому именно "самую свежую".
func (s *Storage) FindBySerial(ctx context.Context, workspace, serial string) (*models.StagedRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+recordColumns+`
FROM staged_records
WHERE workspace = $1 AND serial = $2
ORDER BY id DESC
LIMIT 1
`, workspace, models.NormalizeSerial(serial))
	if err != nil {
		return nil, errors.Wrap(err, "select by serial")
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func scanRecords(rows pgx.Rows) ([]*models.StagedRecord, error) {
	var out []*models.StagedRecord
	for rows.Next() {
		var r models.StagedRecord
		if err := rows.Scan(
			&r.ID, &r.Workspace, &r.Serial, &r.Operator, &r.WagonRefs,
			&r.ReceivedAt, &r.LoadedAt, &r.Destination,
			&r.Grade, &r.RailType, &r.Spec, &r.LengthMeters,
			&r.RawQRText, &r.CapturedAt, &r.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
