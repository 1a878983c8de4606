package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Backends da configuração de referência.
const (
	DefaultBackendA = "http://127.0.0.1:8001/"
	DefaultBackendB = "http://127.0.0.1:8002/"
)

var ErrInvalidBackend = errors.New("invalid backend url")

// Route associa um prefixo de path a um backend.
//
// Prefix é comparado sem barras nas pontas: "service1" casa com "/service1" e
// "/service1/...", mas não com "/service10".
type Route struct {
	Prefix  string `mapstructure:"prefix" json:"prefix"`
	Backend string `mapstructure:"backend" json:"backend"`
}

// RouteTable é imutável depois de criada; pode ser compartilhada entre goroutines.
type RouteTable struct {
	routes   []Route // ordenadas do prefixo mais longo para o mais curto
	fallback string
}

func NewRouteTable(routes []Route, defaultBackend string) (*RouteTable, error) {
	fallback, err := normalizeBackend(defaultBackend)
	if err != nil {
		return nil, fmt.Errorf("default backend: %w", err)
	}

	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		prefix := strings.Trim(strings.TrimSpace(r.Prefix), "/")
		if prefix == "" {
			return nil, fmt.Errorf("route for %q: empty prefix", r.Backend)
		}
		backend, err := normalizeBackend(r.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", prefix, err)
		}
		out = append(out, Route{Prefix: prefix, Backend: backend})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})

	return &RouteTable{routes: out, fallback: fallback}, nil
}

// DefaultRouteTable: service1 -> :8001, service2 -> :8002, resto -> :8001.
func DefaultRouteTable() *RouteTable {
	t, err := NewRouteTable([]Route{
		{Prefix: "service1", Backend: DefaultBackendA},
		{Prefix: "service2", Backend: DefaultBackendB},
	}, DefaultBackendA)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve devolve o backend (com barra final) para o path da request.
func (t *RouteTable) Resolve(path string) string {
	if r, ok := t.match(path); ok {
		return r.Backend
	}
	return t.fallback
}

// DefaultRouteLabel rotula requests que não casaram com nenhuma rota.
const DefaultRouteLabel = "default"

// Label devolve o prefixo da rota que casa com path, ou DefaultRouteLabel.
// A cardinalidade é limitada ao tamanho da tabela; serve para estatísticas.
func (t *RouteTable) Label(path string) string {
	if r, ok := t.match(path); ok {
		return r.Prefix
	}
	return DefaultRouteLabel
}

func (t *RouteTable) match(path string) (Route, bool) {
	p := strings.TrimPrefix(path, "/")
	for _, r := range t.routes {
		if p == r.Prefix || strings.HasPrefix(p, r.Prefix+"/") {
			return r, true
		}
	}
	return Route{}, false
}

// Target monta a URL do upstream: backend + path completo da request (sem remover
// o prefixo) + query string original.
func (t *RouteTable) Target(u *url.URL) (backend, target string) {
	backend = t.Resolve(u.Path)
	target = backend + strings.TrimPrefix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return backend, target
}

func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func (t *RouteTable) Default() string { return t.fallback }

func normalizeBackend(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBackend, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q (want http(s)://host[:port]/)", ErrInvalidBackend, raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: %q must not carry query or fragment", ErrInvalidBackend, raw)
	}
	s := u.String()
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s, nil
}
