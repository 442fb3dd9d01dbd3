package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/cache"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/pkg/errors"
)

const maxBulkItems = 1000

type Repository interface {
	InsertRecord(ctx context.Context, in models.RecordInput) (*models.StagedRecord, error)
	BulkInsertRecords(ctx context.Context, workspace string, items []models.RecordInput) ([]*models.StagedRecord, error)
	DeleteRecord(ctx context.Context, workspace string, id uint64) (bool, error)
	ClearWorkspace(ctx context.Context, workspace string) (int64, error)
	PageRecords(ctx context.Context, workspace string, cursor uint64, limit int) ([]*models.StagedRecord, uint64, error)
	CountRecords(ctx context.Context, workspace string) (int, error)
	FindBySerial(ctx context.Context, workspace, serial string) (*models.StagedRecord, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo     Repository
	cache    cache.BytesCache
	producer Producer
	topic    string
	countTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, countTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, countTTL: countTTL}
}

// WithProducer включает публикацию событий изменения в Kafka.
// Без продьюсера сервис работает, но станции не получают realtime-обновлений.
func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	s.topic = topic
	return s
}

func (s *Service) SubmitRecord(ctx context.Context, in models.RecordInput) (*models.StagedRecord, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	rec, err := s.repo.InsertRecord(ctx, in)
	if err != nil {
		return nil, err
	}

	s.invalidateCount(ctx, rec.Workspace)
	s.publish(ctx, messages.RecordEvent{
		Kind:      messages.EventRecordCreated,
		Workspace: rec.Workspace,
		Record:    rec,
	})
	return rec, nil
}

// BulkSubmitRecords принимает офлайн-очередь станции целиком.
// Точные повторы (серийник + момент скана) схлопываются: это артефакт
// повторной отправки, а не решение оператора. Повторы с разным временем
// скана сохраняются все, оператор их уже подтвердил осознанно.
func (s *Service) BulkSubmitRecords(ctx context.Context, workspace string, items []models.RecordInput) ([]*models.StagedRecord, error) {
	if !models.ValidWorkspace(workspace) {
		return nil, errors.New("workspace must be main or alt")
	}
	if len(items) == 0 {
		return nil, errors.New("items is empty")
	}
	if len(items) > maxBulkItems {
		return nil, errors.Errorf("too many items (max %d)", maxBulkItems)
	}

	clean := make([]models.RecordInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it.Workspace = workspace
		if err := it.Validate(); err != nil {
			return nil, err
		}
		k := fmt.Sprintf("%s|%d", models.NormalizeSerial(it.Serial), it.CapturedAt.UTC().UnixNano())
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		clean = append(clean, it)
	}

	recs, err := s.repo.BulkInsertRecords(ctx, workspace, clean)
	if err != nil {
		return nil, err
	}

	s.invalidateCount(ctx, workspace)
	for _, rec := range recs {
		s.publish(ctx, messages.RecordEvent{
			Kind:      messages.EventRecordCreated,
			Workspace: workspace,
			Record:    rec,
		})
	}
	return recs, nil
}

func (s *Service) Existence(ctx context.Context, workspace, serial string) (bool, *models.StagedRecord, error) {
	if !models.ValidWorkspace(workspace) {
		return false, nil, errors.New("workspace must be main or alt")
	}
	if models.NormalizeSerial(serial) == "" {
		return false, nil, errors.New("serial is required")
	}
	rec, err := s.repo.FindBySerial(ctx, workspace, serial)
	if err != nil {
		return false, nil, err
	}
	return rec != nil, rec, nil
}

func (s *Service) PageRecords(ctx context.Context, workspace string, cursor uint64, limit int) ([]*models.StagedRecord, uint64, error) {
	if !models.ValidWorkspace(workspace) {
		return nil, 0, errors.New("workspace must be main or alt")
	}
	return s.repo.PageRecords(ctx, workspace, cursor, limit)
}

func (s *Service) CountRecords(ctx context.Context, workspace string) (int, error) {
	if !models.ValidWorkspace(workspace) {
		return 0, errors.New("workspace must be main or alt")
	}

	key := countKey(workspace)
	if s.cache != nil && s.countTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			if n, err := strconv.Atoi(string(b)); err == nil {
				return n, nil
			}
		}
	}

	n, err := s.repo.CountRecords(ctx, workspace)
	if err != nil {
		return 0, err
	}
	if s.cache != nil && s.countTTL > 0 {
		_ = s.cache.Set(ctx, key, []byte(strconv.Itoa(n)), s.countTTL)
	}
	return n, nil
}

func (s *Service) DeleteRecord(ctx context.Context, workspace string, id uint64) error {
	if !models.ValidWorkspace(workspace) {
		return errors.New("workspace must be main or alt")
	}
	if id == 0 {
		return errors.New("id is required")
	}

	ok, err := s.repo.DeleteRecord(ctx, workspace, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("record %d not found", id)
	}

	s.invalidateCount(ctx, workspace)
	s.publish(ctx, messages.RecordEvent{
		Kind:      messages.EventRecordDeleted,
		Workspace: workspace,
		ID:        id,
	})
	return nil
}

func (s *Service) ClearWorkspace(ctx context.Context, workspace string) (int64, error) {
	if !models.ValidWorkspace(workspace) {
		return 0, errors.New("workspace must be main or alt")
	}

	n, err := s.repo.ClearWorkspace(ctx, workspace)
	if err != nil {
		return 0, err
	}

	s.invalidateCount(ctx, workspace)
	s.publish(ctx, messages.RecordEvent{
		Kind:      messages.EventWorkspaceCleared,
		Workspace: workspace,
	})
	return n, nil
}

// publish шлёт событие после коммита в БД, поэтому не роняет запрос:
// станции в худшем случае догонят состояние перезагрузкой списка.
func (s *Service) publish(ctx context.Context, ev messages.RecordEvent) {
	if s.producer == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal record event", "err", err)
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(ev.Workspace), b); err != nil {
		slog.Warn("publish record event", "kind", ev.Kind, "err", err)
	}
}

func (s *Service) invalidateCount(ctx context.Context, workspace string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, countKey(workspace)); err != nil {
		slog.Warn("invalidate count cache", "workspace", workspace, "err", err)
	}
}

func countKey(workspace string) string {
	return fmt.Sprintf("staging:%s:count", workspace)
}
