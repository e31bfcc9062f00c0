package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is a Turso HTTP API client speaking the Hrana v2 pipeline protocol
// with zero CGO dependencies.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// ClientOptions tunes the HTTP behaviour. Zero values use the defaults.
type ClientOptions struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// NewClient creates a new Turso client
func NewClient(databaseURL, authToken string, opts ClientOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}

	// libsql:// is served over https for the HTTP API
	baseURL := strings.TrimSuffix(databaseURL, "/")
	if strings.HasPrefix(baseURL, "libsql://") {
		baseURL = "https://" + strings.TrimPrefix(baseURL, "libsql://")
	}

	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		logger:     logger.With("component", "turso"),
	}
}

// PipelineRequest represents a batch of operations
type PipelineRequest struct {
	Baton    *string        `json:"baton"`
	Requests []BatchRequest `json:"requests"`
}

// BatchRequest is a single operation in a batch
type BatchRequest struct {
	Type      string     `json:"type"` // "execute" or "close"
	Statement *Statement `json:"stmt,omitempty"`
}

// Statement is a SQL statement with parameters
type Statement struct {
	SQL  string  `json:"sql"`
	Args []Value `json:"args,omitempty"`
}

// PipelineResponse is the response from a batch operation
type PipelineResponse struct {
	Baton   *string       `json:"baton"`
	Results []BatchResult `json:"results"`
}

// BatchResult is the result of a single operation
type BatchResult struct {
	Type     string          `json:"type"` // "ok" or "error"
	Response *StreamResponse `json:"response,omitempty"`
	Error    *PipelineError  `json:"error,omitempty"`
}

// StreamResponse wraps the result of an execute request.
type StreamResponse struct {
	Type   string         `json:"type"`
	Result *QueryResponse `json:"result,omitempty"`
}

// Column describes a result column.
type Column struct {
	Name     string `json:"name"`
	DeclType string `json:"decltype,omitempty"`
}

// QueryResponse contains query results
type QueryResponse struct {
	Columns          []Column  `json:"cols"`
	Rows             [][]Value `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
	LastInsertRowID  *string   `json:"last_insert_rowid,omitempty"`
}

// PipelineError represents an error from Turso
type PipelineError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *PipelineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Value is a Hrana tagged value. Integers travel as decimal strings and blobs
// as base64.
type Value struct {
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// Text returns the value as a string. Null reads as empty.
func (v Value) Text() string {
	switch val := v.Value.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		if v.Type == "blob" {
			b, _ := base64.StdEncoding.DecodeString(v.Base64)
			return string(b)
		}
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// Int64 returns an integer value. Null and unparsable values read as zero.
func (v Value) Int64() int64 {
	switch val := v.Value.(type) {
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	case float64:
		return int64(val)
	default:
		return 0
	}
}

// toTursoValue converts a Go value to Turso's internally tagged enum Value format
func toTursoValue(v any) Value {
	switch val := v.(type) {
	case nil:
		return Value{Type: "null"}
	case string:
		return Value{Type: "text", Value: val}
	case int:
		return Value{Type: "integer", Value: strconv.FormatInt(int64(val), 10)}
	case int32:
		return Value{Type: "integer", Value: strconv.FormatInt(int64(val), 10)}
	case int64:
		return Value{Type: "integer", Value: strconv.FormatInt(val, 10)}
	case uint:
		return Value{Type: "integer", Value: strconv.FormatUint(uint64(val), 10)}
	case uint64:
		return Value{Type: "integer", Value: strconv.FormatUint(val, 10)}
	case bool:
		if val {
			return Value{Type: "integer", Value: "1"}
		}
		return Value{Type: "integer", Value: "0"}
	case float32:
		return Value{Type: "float", Value: float64(val)}
	case float64:
		return Value{Type: "float", Value: val}
	case []byte:
		return Value{Type: "blob", Base64: base64.StdEncoding.EncodeToString(val)}
	case time.Time:
		return Value{Type: "integer", Value: strconv.FormatInt(val.Unix(), 10)}
	case fmt.Stringer:
		return Value{Type: "text", Value: val.String()}
	default:
		return Value{Type: "text", Value: fmt.Sprintf("%v", val)}
	}
}

// convertArgs converts a slice of Go values to Turso's Value format
func convertArgs(args []any) []Value {
	if len(args) == 0 {
		return nil
	}
	converted := make([]Value, len(args))
	for i, arg := range args {
		converted[i] = toTursoValue(arg)
	}
	return converted
}

// statusError is a non-200 HTTP answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	if retryable(e) {
		return nil
	}
	return ErrRejected
}

// retryable reports whether another attempt may succeed. Client errors other
// than rate limiting are final.
func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// executePipeline executes a batch of operations with retry and exponential backoff
func (c *Client) executePipeline(ctx context.Context, req PipelineRequest) (*PipelineResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 200ms, 400ms, ...
			delay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
			c.logger.Debug("retrying turso request",
				"attempt", attempt+1,
				"delay", delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.doExecutePipeline(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("turso request failed",
			"attempt", attempt+1,
			"error", err)
		if !retryable(err) {
			return nil, fmt.Errorf("turso request: %w", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrNetwork, lastErr)
}

// doExecutePipeline performs the actual HTTP request
func (c *Client) doExecutePipeline(ctx context.Context, req PipelineRequest) (*PipelineResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/v2/pipeline"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &statusError{code: httpResp.StatusCode, body: string(respBody)}
	}

	var resp PipelineResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	return &resp, nil
}

// Batch runs statements in one pipeline followed by a close request and
// returns one result per statement. The first statement error aborts.
func (c *Client) Batch(ctx context.Context, statements []Statement) ([]*QueryResponse, error) {
	requests := make([]BatchRequest, 0, len(statements)+1)
	for i := range statements {
		stmt := Statement{SQL: statements[i].SQL, Args: statements[i].Args}
		requests = append(requests, BatchRequest{Type: "execute", Statement: &stmt})
	}
	requests = append(requests, BatchRequest{Type: "close"})

	resp, err := c.executePipeline(ctx, PipelineRequest{Requests: requests})
	if err != nil {
		return nil, err
	}

	out := make([]*QueryResponse, len(statements))
	for i := range statements {
		if i >= len(resp.Results) {
			return nil, fmt.Errorf("statement %d: missing result", i)
		}
		result := resp.Results[i]
		if result.Type == "error" {
			if result.Error == nil {
				return nil, fmt.Errorf("statement %d failed", i)
			}
			return nil, fmt.Errorf("statement %d failed: %w", i, result.Error)
		}
		if result.Response != nil && result.Response.Result != nil {
			out[i] = result.Response.Result
		} else {
			out[i] = &QueryResponse{}
		}
	}
	return out, nil
}

// Execute runs a single SQL statement and returns the affected row count.
func (c *Client) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	res, err := c.Batch(ctx, []Statement{{SQL: sql, Args: convertArgs(args)}})
	if err != nil {
		return 0, err
	}
	return res[0].AffectedRowCount, nil
}

// Query runs a SQL query and returns rows
func (c *Client) Query(ctx context.Context, sql string, args ...any) (*QueryResponse, error) {
	res, err := c.Batch(ctx, []Statement{{SQL: sql, Args: convertArgs(args)}})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// Stmt builds a Statement from Go arguments.
func Stmt(sql string, args ...any) Statement {
	return Statement{SQL: sql, Args: convertArgs(args)}
}
