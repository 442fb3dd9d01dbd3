// Package stageapi — контракт удалённого API персистентности, каким его
// видит сканирующая станция. Все вызовы обязаны передавать активный
// workspace.
package stageapi

import (
	"context"

	"github.com/RailScan/StageBox/internal/models"
)

type Page struct {
	Rows       []*models.StagedRecord
	NextCursor uint64
	Total      int
}

type Client interface {
	Existence(ctx context.Context, workspace, serial string) (bool, *models.StagedRecord, error)
	Submit(ctx context.Context, in models.RecordInput) (uint64, error)
	BulkSubmit(ctx context.Context, workspace string, items []models.RecordInput) error
	Page(ctx context.Context, workspace string, cursor uint64, limit int) (Page, error)
	Count(ctx context.Context, workspace string) (int, error)
	Delete(ctx context.Context, workspace string, id uint64) error
}
