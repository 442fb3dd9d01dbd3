package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/RailScan/StageBox/internal/integrations/stageapi"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/pkg/errors"
)

// Client — JSON-клиент stage-api. Все таймауты ограничены: зависший сервер
// для станции неотличим от офлайна и обрабатывается так же.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

var _ stageapi.Client = (*Client)(nil)

type existenceResp struct {
	Exists bool                 `json:"exists"`
	Row    *models.StagedRecord `json:"row,omitempty"`
}

func (c *Client) Existence(ctx context.Context, workspace, serial string) (bool, *models.StagedRecord, error) {
	q := url.Values{}
	q.Set("workspace", workspace)
	q.Set("serial", serial)

	var r existenceResp
	if err := c.getJSON(ctx, "/v1/records/existence", q, &r); err != nil {
		return false, nil, err
	}
	return r.Exists, r.Row, nil
}

type submitResp struct {
	ID uint64 `json:"id"`
}

func (c *Client) Submit(ctx context.Context, in models.RecordInput) (uint64, error) {
	var r submitResp
	if err := c.postJSON(ctx, "/v1/records", in, &r); err != nil {
		return 0, err
	}
	return r.ID, nil
}

type bulkSubmitReq struct {
	Workspace string               `json:"workspace"`
	Items     []models.RecordInput `json:"items"`
}

func (c *Client) BulkSubmit(ctx context.Context, workspace string, items []models.RecordInput) error {
	return c.postJSON(ctx, "/v1/records/bulk", bulkSubmitReq{Workspace: workspace, Items: items}, nil)
}

type pageResp struct {
	Rows       []*models.StagedRecord `json:"rows"`
	NextCursor uint64                 `json:"nextCursor"`
	Total      int                    `json:"total"`
}

func (c *Client) Page(ctx context.Context, workspace string, cursor uint64, limit int) (stageapi.Page, error) {
	q := url.Values{}
	q.Set("workspace", workspace)
	if cursor > 0 {
		q.Set("cursor", strconv.FormatUint(cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var r pageResp
	if err := c.getJSON(ctx, "/v1/records", q, &r); err != nil {
		return stageapi.Page{}, err
	}
	return stageapi.Page{Rows: r.Rows, NextCursor: r.NextCursor, Total: r.Total}, nil
}

type countResp struct {
	Count int `json:"count"`
}

func (c *Client) Count(ctx context.Context, workspace string) (int, error) {
	q := url.Values{}
	q.Set("workspace", workspace)

	var r countResp
	if err := c.getJSON(ctx, "/v1/records/count", q, &r); err != nil {
		return 0, err
	}
	return r.Count, nil
}

func (c *Client) Delete(ctx context.Context, workspace string, id uint64) error {
	q := url.Values{}
	q.Set("workspace", workspace)

	u, err := c.buildURL(fmt.Sprintf("/v1/records/%d", id), q)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	return c.do(req, nil)
}

func (c *Client) buildURL(path string, q url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	u.Path = path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u, err := c.buildURL(path, q)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	u, err := c.buildURL(path, nil)
	if err != nil {
		return err
	}
	b, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("stage-api http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
