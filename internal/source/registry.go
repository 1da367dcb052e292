package source

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/fetcher"
	"github.com/sells-group/ingest-cli/pkg/salesforce"
)

// Registry maps adapter names to their implementations.
type Registry struct {
	adapters map[string]Adapter
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry populated from config. Adapters whose
// config is absent (no path, no credentials) are simply not registered.
func NewRegistry(cfg *config.Config, sf salesforce.Client) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}

	if cfg.Sources.CSV.Path != "" {
		r.Register(NewCSVFile(cfg.Sources.CSV))
	}
	if cfg.Sources.XLSX.Path != "" {
		r.Register(NewXLSXFile(cfg.Sources.XLSX))
	}
	if cfg.Sources.SQLite.Path != "" {
		r.Register(NewSQLiteDB(cfg.Sources.SQLite))
	}
	if cfg.Sources.FTP.Addr != "" {
		drop := fetcher.NewFTPDrop(fetcher.FTPDropOptions{
			Addr:     cfg.Sources.FTP.Addr,
			User:     cfg.Sources.FTP.User,
			Password: cfg.Sources.FTP.Password,
		})
		r.Register(NewFTPCSV(cfg.Sources.FTP, drop))
	}
	if sf != nil {
		r.Register(NewSalesforce(cfg.Sources.Salesforce, sf))
	}

	return r
}

// NewRegistryOf builds a registry from explicit adapters, for callers that
// wire their own instead of going through config.
func NewRegistryOf(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) {
	name := a.Name()
	r.adapters[name] = a
	r.order = append(r.order, name)
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Errorf("source: unknown adapter %q", name)
	}
	return a, nil
}

// All returns all adapters in registration order.
func (r *Registry) All() []Adapter {
	result := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.adapters[name])
	}
	return result
}
