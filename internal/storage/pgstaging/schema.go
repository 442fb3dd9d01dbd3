package pgstaging

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		// serial намеренно БЕЗ уникального индекса: дубликат — предупреждение
		// оператору, а не ограничение схемы, оператор вправе его оставить.
		`
CREATE TABLE IF NOT EXISTS staged_records (
  id BIGSERIAL PRIMARY KEY,
  workspace TEXT NOT NULL,
  serial TEXT NOT NULL,
  operator TEXT NOT NULL DEFAULT '',
  wagon_refs TEXT[] NOT NULL DEFAULT '{}',
  received_at TEXT NOT NULL DEFAULT '',
  loaded_at TEXT NOT NULL DEFAULT '',
  destination TEXT NOT NULL DEFAULT '',
  grade TEXT NOT NULL DEFAULT '',
  rail_type TEXT NOT NULL DEFAULT '',
  spec TEXT NOT NULL DEFAULT '',
  length_meters TEXT NOT NULL DEFAULT '',
  raw_qr_text TEXT NOT NULL DEFAULT '',
  captured_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_staged_records_ws_id ON staged_records(workspace, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_staged_records_ws_serial ON staged_records(workspace, serial)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
