package messages

import (
	"github.com/RailScan/StageBox/internal/models"
)

const (
	EventRecordCreated    = "record.created"
	EventRecordDeleted    = "record.deleted"
	EventWorkspaceCleared = "workspace.cleared"
)

// RecordEvent — конверт для всех событий изменения таблицы staged_records.
// Record заполнен только для created, ID только для deleted.
type RecordEvent struct {
	Kind      string `json:"kind"`
	Workspace string `json:"workspace"`

	ID     uint64               `json:"id,omitempty"`
	Record *models.StagedRecord `json:"record,omitempty"`
}
