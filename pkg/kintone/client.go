// Package kintone is a REST client for the kintone apps, form fields and
// records endpoints.
package kintone

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/go-resty/resty/v2"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	// MaxAppsLimit is the page size limit of the apps endpoint
	MaxAppsLimit = 100
	// MaxRecordsLimit is the page size limit of a records query
	MaxRecordsLimit = 500
)

// App is an app entry of GET /k/v1/apps.json
type App struct {
	AppID       string  `json:"appId"`
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	SpaceID     *string `json:"spaceId"`
	Revision    string  `json:"revision,omitempty"`
}

// Field is a property of GET /k/v1/app/form/fields.json
type Field struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// Form is the field layout of one app
type Form struct {
	Properties map[string]Field `json:"properties"`
	Revision   string           `json:"revision"`
}

// Record maps field codes to {"type": ..., "value": ...}
type Record map[string]any

// ID returns the record number held in $id
func (r Record) ID() string {
	field, ok := r["$id"].(map[string]any)
	if !ok {
		return ""
	}
	switch v := field["value"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

// APIError is the error body kintone returns
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("kintone api returned status %d", e.Status)
	}
	return fmt.Sprintf("kintone api returned status %d: %s %s", e.Status, e.Code, e.Message)
}

// Client builds per-connector API handles over a shared HTTP client
type Client struct {
	resty  *resty.Client
	logger ectologger.Logger
}

func NewClient(httpClient *http.Client, logger ectologger.Logger) *Client {
	return &Client{
		resty: resty.NewWithClient(httpClient).
			SetHeader("Accept", "application/json"),
		logger: logger,
	}
}

// API is bound to one kintone domain and access token
type API struct {
	client      *Client
	baseURL     string
	accessToken string
}

// For returns an API handle for baseURL (scheme and host) and accessToken
func (c *Client) For(baseURL, accessToken string) *API {
	return &API{
		client:      c,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
	}
}

func (a *API) get(ctx context.Context, path string, query map[string]string, multi map[string][]string, out any) error {
	apiErr := &APIError{}
	req := a.client.resty.R().
		SetContext(ctx).
		SetAuthToken(a.accessToken).
		SetQueryParams(query).
		SetResult(out).
		SetError(apiErr)
	for key, values := range multi {
		for i, value := range values {
			req.SetQueryParam(fmt.Sprintf("%s[%d]", key, i), value)
		}
	}

	resp, err := req.Get(a.baseURL + path)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "kintone request failed")
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		a.client.logger.WithContext(ctx).WithFields(map[string]any{
			"path":   path,
			"status": apiErr.Status,
			"code":   apiErr.Code,
		}).Warn("kintone api error")
		if apiErr.Status == http.StatusUnauthorized {
			return apperrors.Wrap(apperrors.KindUnauthorized, apiErr, "kintone rejected the access token")
		}
		return apiErr
	}
	return nil
}

// ListApps returns one page of apps. A page shorter than limit is the last.
func (a *API) ListApps(ctx context.Context, limit, offset int) ([]App, error) {
	ctx, span := tracing.StartSpan(ctx, "Kintone.ListApps")
	defer span.End()

	if limit <= 0 || limit > MaxAppsLimit {
		limit = MaxAppsLimit
	}

	var out struct {
		Apps []App `json:"apps"`
	}
	err := a.get(ctx, "/k/v1/apps.json", map[string]string{
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	}, nil, &out)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return out.Apps, nil
}

// GetFormFields returns the fields of an app
func (a *API) GetFormFields(ctx context.Context, appID string) (*Form, error) {
	ctx, span := tracing.StartSpan(ctx, "Kintone.GetFormFields")
	defer span.End()

	var out Form
	if err := a.get(ctx, "/k/v1/app/form/fields.json", map[string]string{"app": appID}, nil, &out); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return &out, nil
}

// GetRecords runs one records query. fields limits the returned columns when
// not empty.
func (a *API) GetRecords(ctx context.Context, appID, query string, fields []string) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "Kintone.GetRecords")
	defer span.End()

	var out struct {
		Records []Record `json:"records"`
	}
	var multi map[string][]string
	if len(fields) > 0 {
		multi = map[string][]string{"fields": fields}
	}
	if err := a.get(ctx, "/k/v1/records.json", map[string]string{"app": appID, "query": query}, multi, &out); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return out.Records, nil
}

// RecordPager walks all records matching filter in $id order
type RecordPager struct {
	api      *API
	appID    string
	filter   string
	fields   []string
	pageSize int
	lastID   int64
	done     bool
}

// Records returns a pager over the records of appID. filter is an optional
// kintone query condition without order or limit clauses.
func (a *API) Records(appID, filter string, fields []string) *RecordPager {
	return &RecordPager{api: a, appID: appID, filter: strings.TrimSpace(filter), fields: fields, pageSize: MaxRecordsLimit}
}

// WithPageSize sets the records per query, capped at MaxRecordsLimit
func (p *RecordPager) WithPageSize(n int) *RecordPager {
	if n > 0 && n <= MaxRecordsLimit {
		p.pageSize = n
	}
	return p
}

// Next returns the next page, or nil once all records were read.
func (p *RecordPager) Next(ctx context.Context) ([]Record, error) {
	if p.done {
		return nil, nil
	}

	records, err := p.api.GetRecords(ctx, p.appID, p.query(), p.withID())
	if err != nil {
		return nil, err
	}
	if len(records) < p.pageSize {
		p.done = true
	}
	if len(records) > 0 {
		last, err := strconv.ParseInt(records[len(records)-1].ID(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("record without numeric $id in app %s", p.appID)
		}
		p.lastID = last
	}
	return records, nil
}

var (
	quotedLiteral = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	pagingClause  = regexp.MustCompile(`(?i)\b(order\s+by|limit|offset)\b`)
)

// ValidateRecordFilter rejects filters carrying their own paging clauses. The
// pager appends "order by" and "limit" itself, so such a filter would make
// every page request fail.
func ValidateRecordFilter(filter string) error {
	stripped := quotedLiteral.ReplaceAllString(filter, `""`)
	if m := pagingClause.FindString(stripped); m != "" {
		return apperrors.Validation("record_filter must be a condition only, found %q", strings.ToLower(m))
	}
	return nil
}

func (p *RecordPager) query() string {
	condition := fmt.Sprintf("$id > %d", p.lastID)
	if p.filter != "" {
		condition = fmt.Sprintf("(%s) and %s", p.filter, condition)
	}
	return fmt.Sprintf("%s order by $id asc limit %d", condition, p.pageSize)
}

func (p *RecordPager) withID() []string {
	if len(p.fields) == 0 {
		return nil
	}
	for _, f := range p.fields {
		if f == "$id" {
			return p.fields
		}
	}
	return append(append([]string(nil), p.fields...), "$id")
}
