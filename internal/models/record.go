package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Два полностью изолированных логических набора данных.
const (
	WorkspaceMain = "main"
	WorkspaceAlt  = "alt"
)

func ValidWorkspace(ws string) bool {
	return ws == WorkspaceMain || ws == WorkspaceAlt
}

const MaxWagonRefs = 3

// StagedRecord — одна отсканированная единица рельсового проката,
// ожидающая экспорта. ID назначает сервер; до подтверждения сервером
// запись живёт под локальным TempID (Pending=true).
type StagedRecord struct {
	ID     uint64 `json:"id,omitempty"`
	TempID string `json:"tempId,omitempty"`

	Serial    string `json:"serial"`
	Workspace string `json:"workspace"`

	Operator    string   `json:"operator,omitempty"`
	WagonRefs   []string `json:"wagonRefs,omitempty"`
	ReceivedAt  string   `json:"receivedAt,omitempty"`
	LoadedAt    string   `json:"loadedAt,omitempty"`
	Destination string   `json:"destination,omitempty"`

	Grade        string `json:"grade,omitempty"`
	RailType     string `json:"railType,omitempty"`
	Spec         string `json:"spec,omitempty"`
	LengthMeters string `json:"lengthMeters,omitempty"`

	RawQRText  string    `json:"rawQrText,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`

	Pending   bool      `json:"pending,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// RecordInput — полезная нагрузка submit/bulkSubmit.
type RecordInput struct {
	Serial    string `json:"serial"`
	Workspace string `json:"workspace"`

	Operator    string   `json:"operator,omitempty"`
	WagonRefs   []string `json:"wagonRefs,omitempty"`
	ReceivedAt  string   `json:"receivedAt,omitempty"`
	LoadedAt    string   `json:"loadedAt,omitempty"`
	Destination string   `json:"destination,omitempty"`

	Grade        string `json:"grade,omitempty"`
	RailType     string `json:"railType,omitempty"`
	Spec         string `json:"spec,omitempty"`
	LengthMeters string `json:"lengthMeters,omitempty"`

	RawQRText  string    `json:"rawQrText,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (in *RecordInput) Validate() error {
	if NormalizeSerial(in.Serial) == "" {
		return errors.New("serial is required")
	}
	if !ValidWorkspace(in.Workspace) {
		return errors.New("workspace must be main or alt")
	}
	if len(in.WagonRefs) > MaxWagonRefs {
		return errors.New("too many wagon refs (max 3)")
	}
	return nil
}

// NormalizeSerial приводит серийник к канонической форме для дедупликации:
// сравнение регистронезависимое.
func NormalizeSerial(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
