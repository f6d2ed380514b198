// Package transporttest provides an in-memory Transport for tests
package transporttest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/transport"
)

// Mutation records one Mutate call
type Mutation struct {
	TypeName string
	Op       transport.Operation
	Record   map[string]any
}

// Fake serves records from memory in pages of PageSize
type Fake struct {
	PageSize int

	mu        sync.Mutex
	records   map[string][]map[string]any
	failures  map[string]error
	fetches   map[string]int
	mutations []Mutation
	nextID    int
	// IDField names the id assigned on create, per type
	IDField map[string]string
}

// New creates an empty fake
func New() *Fake {
	return &Fake{
		PageSize: 2,
		records:  make(map[string][]map[string]any),
		failures: make(map[string]error),
		fetches:  make(map[string]int),
		IDField:  make(map[string]string),
		nextID:   1000,
	}
}

// Add stores records for a type
func (f *Fake) Add(typeName string, records ...map[string]any) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[typeName] = append(f.records[typeName], records...)
	return f
}

// Fail makes every fetch and mutation of a type return err
func (f *Fake) Fail(typeName string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[typeName] = err
	return f
}

// Fetches returns how many pages of a type were requested
func (f *Fake) Fetches(typeName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[typeName]
}

// Mutations returns the recorded mutations in call order
func (f *Fake) Mutations() []Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Mutation(nil), f.mutations...)
}

// FetchPage implements transport.Transport
func (f *Fake) FetchPage(ctx context.Context, typeName, token string) (transport.Page, error) {
	if err := ctx.Err(); err != nil {
		return transport.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches[typeName]++
	if err := f.failures[typeName]; err != nil {
		return transport.Page{}, err
	}

	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return transport.Page{}, fmt.Errorf("bad token %q", token)
		}
		start = n
	}
	all := f.records[typeName]
	end := start + f.PageSize
	if f.PageSize <= 0 || end > len(all) {
		end = len(all)
	}

	page := transport.Page{}
	for _, rec := range all[start:end] {
		page.Records = append(page.Records, metadata.Item(rec).Clone())
	}
	if end < len(all) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// Mutate implements transport.Transport. Creates get a fresh id when the
// type's IDField is configured.
func (f *Fake) Mutate(ctx context.Context, typeName string, op transport.Operation, record map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failures[typeName]; err != nil {
		return nil, err
	}

	out := metadata.Item(record).Clone()
	if op == transport.OpCreate {
		if idField := f.IDField[typeName]; idField != "" {
			f.nextID++
			out[idField] = strconv.Itoa(f.nextID)
		}
	}
	f.mutations = append(f.mutations, Mutation{TypeName: typeName, Op: op, Record: out})
	return out, nil
}

// Provider returns a provider handing out fakes per tenant id
func Provider(fakes map[string]*Fake) transport.Provider {
	return transport.ProviderFunc(func(_ context.Context, tenant metadata.TenantContext) (transport.Transport, error) {
		f, ok := fakes[tenant.ID]
		if !ok {
			return nil, fmt.Errorf("no transport for tenant %s", tenant)
		}
		return f, nil
	})
}
