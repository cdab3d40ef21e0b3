// Package catalog resolves producer credentials to source records. The
// tenant/source catalogue itself is external; the receiver tier depends only
// on the Resolver capability and wraps it in a short-TTL cache.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/streamgate/ingest/internal/core"
)

// Resolver looks up source records by credential. Implementations must be
// side-effect free; the authenticator layers allow-list and enabled checks
// on top.
type Resolver interface {
	ByAPIKey(ctx context.Context, key string) (*core.Source, error)
	ByBearer(ctx context.Context, token string) (*core.Source, error)
	BySubject(ctx context.Context, subject string) (*core.Source, error)
	ByUDPPort(ctx context.Context, port int) (*core.Source, error)

	// SyslogSources lists enabled sources with an assigned UDP port. The
	// syslog binder reconciles its listeners against this set.
	SyslogSources(ctx context.Context) ([]*core.Source, error)

	// Ping verifies the catalogue is reachable.
	Ping(ctx context.Context) error
}

// StaticResolver serves a fixed set of sources loaded from a YAML file.
// Used for development and tests; production deployments point at the
// relational catalogue instead.
type StaticResolver struct {
	mu      sync.RWMutex
	sources []*core.Source
}

type sourcesFile struct {
	Sources []*core.Source `yaml:"sources"`
}

// LoadStaticResolver reads source definitions from a YAML file.
func LoadStaticResolver(path string) (*StaticResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()

	var sf sourcesFile
	if err := yaml.NewDecoder(f).Decode(&sf); err != nil {
		return nil, fmt.Errorf("decode sources file: %w", err)
	}
	return NewStaticResolver(sf.Sources...), nil
}

// NewStaticResolver builds a resolver over the given sources.
func NewStaticResolver(sources ...*core.Source) *StaticResolver {
	return &StaticResolver{sources: sources}
}

// Add registers another source. Test helper.
func (r *StaticResolver) Add(s *core.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

func (r *StaticResolver) find(match func(*core.Source) bool) (*core.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sources {
		if match(s) {
			copied := *s
			return &copied, nil
		}
	}
	return nil, core.Errorf(core.KindNotFound, "no matching source")
}

// ByAPIKey implements Resolver.
func (r *StaticResolver) ByAPIKey(ctx context.Context, key string) (*core.Source, error) {
	return r.find(func(s *core.Source) bool {
		for _, k := range s.APIKeys {
			if k == key {
				return true
			}
		}
		return false
	})
}

// ByBearer implements Resolver.
func (r *StaticResolver) ByBearer(ctx context.Context, token string) (*core.Source, error) {
	return r.find(func(s *core.Source) bool {
		for _, t := range s.BearerTokens {
			if t == token {
				return true
			}
		}
		return false
	})
}

// BySubject implements Resolver.
func (r *StaticResolver) BySubject(ctx context.Context, subject string) (*core.Source, error) {
	return r.find(func(s *core.Source) bool { return s.TLSSubject != "" && s.TLSSubject == subject })
}

// ByUDPPort implements Resolver.
func (r *StaticResolver) ByUDPPort(ctx context.Context, port int) (*core.Source, error) {
	return r.find(func(s *core.Source) bool { return s.SyslogPort == port })
}

// SyslogSources implements Resolver.
func (r *StaticResolver) SyslogSources(ctx context.Context) ([]*core.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Source
	for _, s := range r.sources {
		if s.Enabled && s.SyslogPort > 0 {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Ping implements Resolver.
func (r *StaticResolver) Ping(ctx context.Context) error { return nil }
