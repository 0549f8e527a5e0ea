// Package catalog talks to the modpack catalog API. All metadata endpoints
// require an API key; when none is configured every call short-circuits
// with CatalogDisabled so the rest of the control plane keeps working.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/craftplane/craftplane/internal/apierr"
)

const (
	gameIDMinecraft = 432
	classIDModpacks = 4471

	// The batched endpoints reject requests with more ids than this.
	maxBatchIDs = 100

	defaultPageSize = 20
	maxPageSize     = 50

	metadataTimeout = 30 * time.Second
	downloadTimeout = 5 * time.Minute

	// Archives and jars above this size are refused rather than streamed
	// to disk.
	maxDownloadBytes = 500 << 20

	retryMax     = 3
	retryWaitMin = 500 * time.Millisecond
	retryWaitMax = 5 * time.Second

	requestsPerSecond = 10
)

type Client struct {
	baseURL  string
	apiKey   string
	meta     *retryablehttp.Client
	download *retryablehttp.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		meta:     newRetryableClient(metadataTimeout),
		download: newRetryableClient(downloadTimeout),
		limiter:  rate.NewLimiter(requestsPerSecond, requestsPerSecond),
		logger:   logger,
	}
}

func newRetryableClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	client.CheckRetry = checkRetry

	return client
}

// checkRetry retries transport errors and 5xx responses. Client errors are
// final: retrying a 4xx only burns the rate budget.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return true, nil
	}

	return false, nil
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

func (c *Client) requireKey() error {
	if !c.Enabled() {
		return apierr.New(apierr.CatalogDisabled, "catalog API key is not configured")
	}

	return nil
}

type SearchQuery struct {
	Text        string
	GameVersion string
	Index       int
	PageSize    int
}

// SearchModpacks runs a paged search over the modpack class.
func (c *Client) SearchModpacks(ctx context.Context, q SearchQuery) (*SearchPage, error) {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := url.Values{}
	query.Set("gameId", strconv.Itoa(gameIDMinecraft))
	query.Set("classId", strconv.Itoa(classIDModpacks))
	query.Set("sortField", "2") // popularity
	query.Set("sortOrder", "desc")
	query.Set("index", strconv.Itoa(q.Index))
	query.Set("pageSize", strconv.Itoa(pageSize))
	if q.Text != "" {
		query.Set("searchFilter", q.Text)
	}
	if q.GameVersion != "" {
		query.Set("gameVersion", q.GameVersion)
	}

	var page SearchPage
	if err := c.getJSON(ctx, "/v1/mods/search", query, &page); err != nil {
		return nil, err
	}

	for i := range page.Mods {
		if err := page.Mods[i].Validate(); err != nil {
			return nil, err
		}
	}

	return &page, nil
}

// Modpack fetches one project record.
func (c *Client) Modpack(ctx context.Context, id int) (*ModpackMeta, error) {
	var envelope dataEnvelope[ModpackMeta]
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d", id), nil, &envelope); err != nil {
		return nil, err
	}

	if err := envelope.Data.Validate(); err != nil {
		return nil, err
	}

	return &envelope.Data, nil
}

// Description fetches the project's long-form HTML description.
func (c *Client) Description(ctx context.Context, id int) (string, error) {
	var envelope dataEnvelope[string]
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d/description", id), nil, &envelope); err != nil {
		return "", err
	}

	return envelope.Data, nil
}

// ModpackFiles lists the downloadable files of a project, newest first.
func (c *Client) ModpackFiles(ctx context.Context, id, index, pageSize int) ([]FileDetail, *Pagination, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := url.Values{}
	query.Set("index", strconv.Itoa(index))
	query.Set("pageSize", strconv.Itoa(pageSize))

	var envelope struct {
		Data       []FileDetail `json:"data"`
		Pagination Pagination   `json:"pagination"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d/files", id), query, &envelope); err != nil {
		return nil, nil, err
	}

	for i := range envelope.Data {
		if err := envelope.Data[i].Validate(); err != nil {
			return nil, nil, err
		}
	}

	return envelope.Data, &envelope.Pagination, nil
}

// File fetches one file record.
func (c *Client) File(ctx context.Context, modID, fileID int) (*FileDetail, error) {
	var envelope dataEnvelope[FileDetail]
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d/files/%d", modID, fileID), nil, &envelope); err != nil {
		return nil, err
	}

	if err := envelope.Data.Validate(); err != nil {
		return nil, err
	}

	return &envelope.Data, nil
}

// Changelog fetches the HTML changelog of one file.
func (c *Client) Changelog(ctx context.Context, modID, fileID int) (string, error) {
	var envelope dataEnvelope[string]
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/mods/%d/files/%d/changelog", modID, fileID), nil, &envelope); err != nil {
		return "", err
	}

	return envelope.Data, nil
}

// FilesByIDs resolves file records in batches. Duplicate ids collapse and
// results come back keyed by file id; ids unknown upstream are absent.
func (c *Client) FilesByIDs(ctx context.Context, ids []int) (map[int]FileDetail, error) {
	out := make(map[int]FileDetail, len(ids))

	for _, chunk := range chunkIDs(dedupeIDs(ids), maxBatchIDs) {
		var envelope dataEnvelope[[]FileDetail]
		body := map[string][]int{"fileIds": chunk}
		if err := c.postJSON(ctx, "/v1/mods/files", body, &envelope); err != nil {
			return nil, err
		}

		for i := range envelope.Data {
			file := envelope.Data[i]
			if err := file.Validate(); err != nil {
				return nil, err
			}
			out[file.ID] = file
		}
	}

	return out, nil
}

// ModsByIDs resolves project records in batches, keyed by project id.
func (c *Client) ModsByIDs(ctx context.Context, ids []int) (map[int]ModMeta, error) {
	out := make(map[int]ModMeta, len(ids))

	for _, chunk := range chunkIDs(dedupeIDs(ids), maxBatchIDs) {
		var envelope dataEnvelope[[]ModMeta]
		body := map[string][]int{"modIds": chunk}
		if err := c.postJSON(ctx, "/v1/mods", body, &envelope); err != nil {
			return nil, err
		}

		for i := range envelope.Data {
			out[envelope.Data[i].ID] = envelope.Data[i]
		}
	}

	return out, nil
}

// Download streams rawURL into w, refusing anything over the size cap.
// It takes any URL, not just catalog ones, so engine jars and installers
// share the same retry and timeout policy. No API key is attached.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.InvalidRequest, err, "invalid download url")
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return 0, mapTransportErr(err, rawURL)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, rawURL); err != nil {
		return 0, err
	}

	if resp.ContentLength > maxDownloadBytes {
		return 0, apierr.New(apierr.DownloadTooLarge, "download is %d bytes, cap is %d", resp.ContentLength, maxDownloadBytes)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return n, mapTransportErr(err, rawURL)
	}
	if n > maxDownloadBytes {
		return n, apierr.New(apierr.DownloadTooLarge, "download exceeded the %d byte cap", int64(maxDownloadBytes))
	}

	return n, nil
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.requireKey(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return apierr.Wrap(apierr.CancelledByCaller, err, "catalog request cancelled")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding catalog request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return fmt.Errorf("building catalog request: %w", err)
	}

	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.meta.Do(req)
	if err != nil {
		return mapTransportErr(err, path)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, path); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.Wrap(apierr.UpstreamUnavailable, err, "decoding catalog response for %s", path)
	}

	return nil
}

func statusError(status int, what string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return apierr.New(apierr.NotFound, "%s was not found upstream", what)
	default:
		return apierr.New(apierr.UpstreamUnavailable, "upstream returned status %d for %s", status, what)
	}
}

func mapTransportErr(err error, what string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.Timeout, err, "request to %s timed out", what)
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.CancelledByCaller, err, "request to %s was cancelled", what)
	default:
		return apierr.Wrap(apierr.UpstreamUnavailable, err, "request to %s failed", what)
	}
}

func dedupeIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}

func chunkIDs(ids []int, size int) [][]int {
	if len(ids) == 0 {
		return nil
	}

	chunks := make([][]int, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	return chunks
}
