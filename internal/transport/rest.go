package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// DefaultPageSize is the page size requested for numbered pagination
const DefaultPageSize = 500

// HTTPError is a non-2xx response from the platform
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Tokener supplies access tokens
type Tokener interface {
	Token(ctx context.Context) (*Token, error)
}

// RESTConfig configures a RESTClient
type RESTConfig struct {
	// BaseURL overrides the REST endpoint returned with the token
	BaseURL string
	// PageSize for numbered pagination
	PageSize int
	// RequestsPerSecond limits calls to this tenant; 0 disables limiting
	RequestsPerSecond float64
	// Burst is the limiter bucket size
	Burst int
	// Timeout per request
	Timeout time.Duration
}

// RESTClient implements Transport over the platform's paginated REST API
type RESTClient struct {
	catalog metadata.Catalog
	tokens  Tokener
	http    *http.Client
	limiter *rate.Limiter
	config  RESTConfig
	logger  *zap.Logger
}

// NewRESTClient creates a client for one tenant
func NewRESTClient(catalog metadata.Catalog, tokens Tokener, config RESTConfig, logger *zap.Logger) *RESTClient {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &RESTClient{
		catalog: catalog,
		tokens:  tokens,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		config:  config,
		logger:  logger,
	}
}

type listResponse struct {
	Items    []map[string]any `json:"items"`
	Count    int              `json:"count"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	Next     string           `json:"next"`
}

// FetchPage implements Transport
func (c *RESTClient) FetchPage(ctx context.Context, typeName, token string) (Page, error) {
	def, err := c.catalog.Definition(typeName)
	if err != nil {
		return Page{}, err
	}

	query := url.Values{}
	page := 1
	switch def.PaginationStyle {
	case metadata.PaginationPage:
		if token != "" {
			page, err = strconv.Atoi(token)
			if err != nil || page < 1 {
				return Page{}, fmt.Errorf("invalid page token %q", token)
			}
		}
		query.Set("$page", strconv.Itoa(page))
		query.Set("$pageSize", strconv.Itoa(c.config.PageSize))
	case metadata.PaginationToken:
		if token != "" {
			query.Set("next", token)
		}
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, def.RestPath, query, nil, &resp); err != nil {
		return Page{}, err
	}

	result := Page{Records: resp.Items}
	switch def.PaginationStyle {
	case metadata.PaginationPage:
		size := resp.PageSize
		if size <= 0 {
			size = c.config.PageSize
		}
		if len(resp.Items) > 0 && page*size < resp.Count {
			result.NextToken = strconv.Itoa(page + 1)
		}
	case metadata.PaginationToken:
		result.NextToken = resp.Next
	}

	c.logger.Debug("fetched page",
		zap.String("type", typeName),
		zap.Int("page", page),
		zap.Int("records", len(resp.Items)))
	return result, nil
}

// Mutate implements Transport
func (c *RESTClient) Mutate(ctx context.Context, typeName string, op Operation, record map[string]any) (map[string]any, error) {
	def, err := c.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}

	method, p := http.MethodPost, def.RestPath
	if op == OpUpdate {
		id := metadata.Item(record).String(def.IDField)
		if id == "" {
			return nil, fmt.Errorf("cannot update %s without %s", typeName, def.IDField)
		}
		method, p = http.MethodPatch, strings.TrimSuffix(def.RestPath, "/")+"/"+url.PathEscape(id)
	}

	var out map[string]any
	if err := c.do(ctx, method, p, nil, record, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) do(ctx context.Context, method, p string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	base := c.config.BaseURL
	if base == "" {
		base = tok.RestURL
	}
	u := strings.TrimSuffix(base, "/") + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        u,
			Body:       string(bytes.TrimSpace(msg)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s %s: %w", method, p, err)
	}
	return nil
}
