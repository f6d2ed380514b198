// Package transport talks to the remote platform. The engine depends only on
// the Transport interface; RESTClient is the HTTP implementation.
package transport

import (
	"context"
	"fmt"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// Operation is a mutating call kind
type Operation string

const (
	// OpCreate creates a new item
	OpCreate Operation = "create"
	// OpUpdate updates an existing item
	OpUpdate Operation = "update"
)

// Page is one page of a list call
type Page struct {
	Records []map[string]any
	// NextToken is empty when there are no further pages
	NextToken string
}

// Transport is an authenticated connection to one tenant
type Transport interface {
	// FetchPage returns the page identified by token; "" requests the first page
	FetchPage(ctx context.Context, typeName, token string) (Page, error)
	// Mutate creates or updates a record and returns the stored record
	Mutate(ctx context.Context, typeName string, op Operation, record map[string]any) (map[string]any, error)
}

// Provider hands out one Transport per tenant
type Provider interface {
	Transport(ctx context.Context, tenant metadata.TenantContext) (Transport, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, tenant metadata.TenantContext) (Transport, error)

// Transport calls f
func (f ProviderFunc) Transport(ctx context.Context, tenant metadata.TenantContext) (Transport, error) {
	return f(ctx, tenant)
}

// FetchAll follows continuation tokens until the last page and returns every
// record in page order. Records of a failed fetch are discarded.
func FetchAll(ctx context.Context, t Transport, typeName string) ([]map[string]any, error) {
	var (
		records []map[string]any
		token   string
		seen    = make(map[string]bool)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := t.FetchPage(ctx, typeName, token)
		if err != nil {
			return nil, &metadata.TransportError{TypeName: typeName, Op: "retrieve", Err: err}
		}
		records = append(records, page.Records...)

		if page.NextToken == "" {
			return records, nil
		}
		if seen[page.NextToken] {
			return nil, &metadata.TransportError{
				TypeName: typeName,
				Op:       "retrieve",
				Err:      fmt.Errorf("continuation token %q repeated", page.NextToken),
			}
		}
		seen[page.NextToken] = true
		token = page.NextToken
	}
}
