package provider

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/ehr/fhirsync/internal/platform/fhir"
)

var ErrUnknownProvider = errors.New("unknown provider")

// ExcludeRule drops resources of ResourceType for which Expression evaluates
// to true.
type ExcludeRule struct {
	ResourceType string `mapstructure:"resource"`
	Expression   string `mapstructure:"expression"`
}

// Config describes one remote FHIR server the service can connect to.
type Config struct {
	ID                 string        `mapstructure:"id"`
	Name               string        `mapstructure:"name"`
	BaseURL            string        `mapstructure:"base_url"`
	AuthorizeURL       string        `mapstructure:"authorize_url"`
	TokenURL           string        `mapstructure:"token_url"`
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	Scopes             []string      `mapstructure:"scopes"`
	SupportedResources []string      `mapstructure:"supported_resources"`
	PageSize           int           `mapstructure:"page_size"`
	Exclude            []ExcludeRule `mapstructure:"exclude"`
}

// ImportOrder returns the resource types to import, in order. It defaults to
// fhir.DefaultImportOrder when the provider lists none. Unknown types are
// returned as-is so the caller can report them.
func (c *Config) ImportOrder() []fhir.ResourceType {
	if len(c.SupportedResources) == 0 {
		return append([]fhir.ResourceType(nil), fhir.DefaultImportOrder...)
	}
	out := make([]fhir.ResourceType, 0, len(c.SupportedResources))
	for _, s := range c.SupportedResources {
		out = append(out, fhir.ResourceType(strings.TrimSpace(s)))
	}
	return out
}

// Host returns the host of BaseURL, used as the rate limit key.
func (c *Config) Host() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return c.BaseURL
	}
	return u.Host
}

func (c *Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("provider %s: base_url is required", c.ID)
	}
	if c.TokenURL == "" {
		return fmt.Errorf("provider %s: token_url is required", c.ID)
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %s: client_id is required", c.ID)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

// Registry holds the configured providers and their compiled exclusion
// filters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Config
	filters   map[string]*Filter
}

// NewRegistry validates the given providers and compiles their filters.
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]*Config),
		filters:   make(map[string]*Filter),
	}
	for _, c := range configs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadFile reads provider definitions from a YAML (or JSON/TOML) file with a
// top-level "providers" list.
func LoadFile(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", path, err)
	}
	var doc struct {
		Providers []Config `mapstructure:"providers"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode providers file %s: %w", path, err)
	}
	return NewRegistry(doc.Providers...)
}

// Register adds or replaces a provider.
func (r *Registry) Register(c Config) error {
	if err := c.validate(); err != nil {
		return err
	}
	f, err := NewFilter(c.Exclude)
	if err != nil {
		return fmt.Errorf("provider %s: %w", c.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[c.ID] = &c
	r.filters[c.ID] = f
	return nil
}

func (r *Registry) Get(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	cp := *c
	return &cp, nil
}

// Filter returns the exclusion filter of a provider. It never returns nil.
func (r *Registry) Filter(id string) *Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.filters[id]; ok {
		return f
	}
	return &Filter{}
}

// List returns all providers sorted by ID.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.providers))
	for _, c := range r.providers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
