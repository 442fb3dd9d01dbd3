// Package localqueue — долговечная локальная очередь неподтверждённых
// записей. Хранится в SQLite-файле станции, поэтому скан, принятый офлайн,
// переживает перезапуск процесса. Очередь секционирована по workspace:
// flush одного workspace никогда не заденет чужие записи.
package localqueue

import (
	"encoding/json"
	"time"

	"github.com/RailScan/StageBox/internal/models"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// QueuedItem — запись, ожидающая отправки. Никогда не мутируется:
// создаётся при неудачном submit, удаляется после успешного bulk-submit.
type QueuedItem struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Workspace string `gorm:"index;not null"`
	Payload   []byte `gorm:"not null"`
	CreatedAt time.Time
}

func (QueuedItem) TableName() string {
	return "queued_items"
}

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.AutoMigrate(&QueuedItem{}); err != nil {
		return nil, errors.Wrap(err, "migrate queue schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "unwrap sql db")
	}
	return sqlDB.Close()
}

// Enqueue кладёт payload в очередь workspace. Одна транзакция на вызов:
// flush не должен увидеть полузаписанный элемент.
func (s *Store) Enqueue(workspace string, in models.RecordInput) (uint64, error) {
	if !models.ValidWorkspace(workspace) {
		return 0, errors.New("invalid workspace")
	}
	b, err := json.Marshal(in)
	if err != nil {
		return 0, errors.Wrap(err, "marshal payload")
	}

	item := QueuedItem{Workspace: workspace, Payload: b, CreatedAt: time.Now().UTC()}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&item).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "enqueue")
	}
	return item.ID, nil
}

// ListAll возвращает все элементы workspace в порядке постановки.
func (s *Store) ListAll(workspace string) ([]QueuedItem, error) {
	var items []QueuedItem
	err := s.db.
		Where("workspace = ?", workspace).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, errors.Wrap(err, "list queued items")
	}
	return items, nil
}

// RemoveMany удаляет ровно перечисленные id внутри workspace. Элементы,
// добавленные параллельно во время сетевого раунд-трипа, не трогаются.
func (s *Store) RemoveMany(workspace string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.
			Where("workspace = ? AND id IN ?", workspace, ids).
			Delete(&QueuedItem{}).Error
	})
	return errors.Wrap(err, "remove queued items")
}

// Decode разворачивает payload обратно в RecordInput.
func (it QueuedItem) Decode() (models.RecordInput, error) {
	var in models.RecordInput
	if err := json.Unmarshal(it.Payload, &in); err != nil {
		return models.RecordInput{}, errors.Wrap(err, "unmarshal payload")
	}
	return in, nil
}
