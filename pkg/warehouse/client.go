// Package warehouse implements the transport behind warehouse session pools:
// a client for the Databricks SQL Statement Execution API. The API itself is
// sessionless; sessions here carry the execution context (catalog and schema)
// and share the client's HTTP transport, which is what goes stale when the
// backend invalidates it.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
	"github.com/ESnark/ansible-database-mcp/pkg/models"
	"github.com/ESnark/ansible-database-mcp/pkg/pool"
)

const (
	statementPath  = "/api/2.0/sql/statements"
	warehousePath  = "/api/2.0/sql/warehouses"
	waitTimeout    = "30s"
	pollInterval   = time.Second
	requestTimeout = 60 * time.Second
)

// Config locates one warehouse.
type Config struct {
	// Host is the workspace hostname, without scheme.
	Host string
	// Token is the bearer token for every request.
	Token string
	// WarehouseID identifies the SQL warehouse to execute on.
	WarehouseID string
	// Catalog and Schema set the execution context for each session.
	Catalog string
	Schema  string
}

// Client is one transport to a warehouse. Implements pool.Transport.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	closed     atomic.Bool
}

// NewClient creates a transport client for the given warehouse.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		baseURL: "https://" + cfg.Host,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logger.With().Str("component", "warehouse_client").Str("host", cfg.Host).Logger(),
	}
}

// TransportBuilder adapts database configurations to transport factories for
// the registry. The warehouse ID is the last element of the configured HTTP
// path.
func TransportBuilder(logger zerolog.Logger) func(cfg models.DatabaseConfig) pool.TransportFactory {
	return func(cfg models.DatabaseConfig) pool.TransportFactory {
		return func(ctx context.Context) (pool.Transport, error) {
			client := NewClient(Config{
				Host:        cfg.Host,
				Token:       cfg.Token,
				WarehouseID: path.Base(cfg.HTTPPath),
				Catalog:     cfg.Catalog,
				Schema:      cfg.Schema,
			}, logger)
			if err := client.Ping(ctx); err != nil {
				return nil, err
			}
			return client, nil
		}
	}
}

// OpenSession creates an execution context on this transport.
func (c *Client) OpenSession(ctx context.Context) (pool.Session, error) {
	if c.closed.Load() {
		return nil, pkgerrors.ErrPoolClosed
	}
	return &session{
		client:  c,
		id:      uuid.NewString(),
		catalog: c.cfg.Catalog,
		schema:  c.cfg.Schema,
	}, nil
}

// Ping checks that the warehouse endpoint answers and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return pkgerrors.ErrPoolClosed
	}
	url := fmt.Sprintf("%s%s/%s", c.baseURL, warehousePath, c.cfg.WarehouseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to build warehouse request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pool.ClassifyConnectionError(err, c.cfg.Host, 443)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return pkgerrors.Newf(pkgerrors.CodeAccessDenied,
			"warehouse rejected the configured token, check the credential")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return pkgerrors.Newf(pkgerrors.CodeConnectionFailed,
			"warehouse ping failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Close marks the transport unusable. The underlying HTTP client holds no
// server-side state.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.httpClient.CloseIdleConnections()
		c.logger.Debug().Msg("Warehouse transport closed")
	}
	return nil
}

// session is one execution context. Implements pool.Session.
type session struct {
	client  *Client
	id      string
	catalog string
	schema  string
}

// statementRequest is the submit payload.
type statementRequest struct {
	Statement   string `json:"statement"`
	WarehouseID string `json:"warehouse_id"`
	Catalog     string `json:"catalog,omitempty"`
	Schema      string `json:"schema,omitempty"`
	WaitTimeout string `json:"wait_timeout"`
	Disposition string `json:"disposition"`
	Format      string `json:"format"`
}

// statementResponse is the submit and poll response shape.
type statementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"schema"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]interface{} `json:"data_array"`
	} `json:"result"`
}

// Execute submits a statement and waits for its result, polling when the
// warehouse parks the statement beyond the inline wait window.
func (s *session) Execute(ctx context.Context, statement string) ([]map[string]interface{}, error) {
	if s.client.closed.Load() {
		return nil, pkgerrors.ErrPoolClosed
	}

	payload := statementRequest{
		Statement:   statement,
		WarehouseID: s.client.cfg.WarehouseID,
		Catalog:     s.catalog,
		Schema:      s.schema,
		WaitTimeout: waitTimeout,
		Disposition: "INLINE",
		Format:      "JSON_ARRAY",
	}

	var result statementResponse
	if err := s.client.doJSON(ctx, http.MethodPost, statementPath, payload, &result); err != nil {
		return nil, err
	}

	for !isTerminalState(result.Status.State) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
		pollPath := fmt.Sprintf("%s/%s", statementPath, result.StatementID)
		if err := s.client.doJSON(ctx, http.MethodGet, pollPath, nil, &result); err != nil {
			return nil, err
		}
	}

	if result.Status.State != "SUCCEEDED" {
		return nil, pkgerrors.Newf(pkgerrors.CodeQueryFailed, "statement %s: %s (%s)",
			strings.ToLower(result.Status.State),
			result.Status.Error.Message,
			result.Status.Error.ErrorCode)
	}

	return buildRows(result), nil
}

// Ping validates the transport behind this session.
func (s *session) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close releases the session. The API holds no server-side session state.
func (s *session) Close(ctx context.Context) error {
	return nil
}

func isTerminalState(state string) bool {
	switch state {
	case "SUCCEEDED", "FAILED", "CANCELED", "CLOSED":
		return true
	default:
		return false
	}
}

func buildRows(resp statementResponse) []map[string]interface{} {
	columns := resp.Manifest.Schema.Columns
	rows := make([]map[string]interface{}, 0, len(resp.Result.DataArray))
	for _, raw := range resp.Result.DataArray {
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if i < len(raw) {
				row[col.Name] = raw[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// doJSON runs one API round trip. HTTP 400 responses surface verbatim so the
// session pool can recognize stale-transport signatures in the body.
func (c *Client) doJSON(ctx context.Context, method, apiPath string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to encode warehouse request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, body)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to build warehouse request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pool.ClassifyConnectionError(err, c.cfg.Host, 443)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to read warehouse response")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("warehouse request failed: HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to decode warehouse response")
	}
	return nil
}
