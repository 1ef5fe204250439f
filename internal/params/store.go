package params

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"

	"github.com/rendis/carepath/pkg/schema"
)

// Store resolves `<domain>.<path>` parameter tokens to evidence values.
// Implementations must be safe for concurrent use.
type Store interface {
	Resolve(domain, path string) (any, schema.ParameterMetadata, error)
}

// ParseToken splits a token into domain and path at the first dot.
func ParseToken(token string) (domain, path string, err error) {
	domain, path, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || domain == "" || path == "" {
		return "", "", schema.NewErrorf(schema.ErrCodeParameterMalformed,
			"parameter token %q must have the form <domain>.<path>", token).
			WithDetails(map[string]any{"token": token})
	}
	return domain, path, nil
}

// lookupQuery returns {found, value} for $path, distinguishing a missing key
// from a key whose value is null.
const lookupQuery = `
def present($p):
  if ($p | length) == 0 then true
  else (try (getpath($p[:-1]) | if type == "object" or type == "array" then has($p[-1]) else false end) catch false)
  end;
if present($path) then {found: true, value: getpath($path)} else {found: false} end
`

// resolver runs the lookup query against decoded domain documents.
type resolver struct {
	code *gojq.Code
}

func newResolver() (*resolver, error) {
	query, err := gojq.Parse(lookupQuery)
	if err != nil {
		return nil, fmt.Errorf("parse lookup query: %w", err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables([]string{"$path"}),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, fmt.Errorf("compile lookup query: %w", err)
	}
	return &resolver{code: code}, nil
}

// lookup finds path inside doc. ok is false when any segment is absent.
func (r *resolver) lookup(doc any, path string) (value any, ok bool, err error) {
	segments := splitPath(path)
	iter := r.code.RunWithContext(context.Background(), doc, segments)
	out, has := iter.Next()
	if !has {
		return nil, false, nil
	}
	if e, isErr := out.(error); isErr {
		return nil, false, e
	}
	m, _ := out.(map[string]any)
	if found, _ := m["found"].(bool); !found {
		return nil, false, nil
	}
	return m["value"], true, nil
}

// splitPath turns "rates.severe.0" into ["rates", "severe", 0].
func splitPath(path string) []any {
	parts := strings.Split(path, ".")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, p)
	}
	return out
}

// unwrapProvenance turns {value: x, source_id: "..."} into (x, "...").
func unwrapProvenance(v any) (any, string) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, ""
	}
	inner, hasValue := m["value"]
	src, hasSource := m["source_id"].(string)
	if !hasValue || !hasSource {
		return v, ""
	}
	for k := range m {
		if k != "value" && k != "source_id" && k != "description" {
			return v, ""
		}
	}
	return inner, src
}

// FileStore reads one YAML or JSON document per domain from a directory.
// Documents and resolved tokens are cached for the lifetime of the store.
type FileStore struct {
	root string
	res  *resolver

	mu       sync.RWMutex
	domains  map[string]any
	resolved map[string]resolvedParam
}

type resolvedParam struct {
	value any
	meta  schema.ParameterMetadata
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	res, err := newResolver()
	if err != nil {
		return nil, err
	}
	return &FileStore{
		root:     dir,
		res:      res,
		domains:  make(map[string]any),
		resolved: make(map[string]resolvedParam),
	}, nil
}

// Resolve implements Store.
func (s *FileStore) Resolve(domain, path string) (any, schema.ParameterMetadata, error) {
	token := domain + "." + path

	s.mu.RLock()
	if r, ok := s.resolved[token]; ok {
		s.mu.RUnlock()
		return r.value, r.meta, nil
	}
	s.mu.RUnlock()

	doc, err := s.domain(domain)
	if err != nil {
		return nil, schema.ParameterMetadata{}, err
	}

	value, meta, err := resolveIn(s.res, doc, domain, path)
	if err != nil {
		return nil, schema.ParameterMetadata{}, err
	}

	s.mu.Lock()
	s.resolved[token] = resolvedParam{value: value, meta: meta}
	s.mu.Unlock()
	return value, meta, nil
}

// Domains lists the domain names currently cached.
func (s *FileStore) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	return out
}

func (s *FileStore) domain(name string) (any, error) {
	s.mu.RLock()
	if doc, ok := s.domains[name]; ok {
		s.mu.RUnlock()
		return doc, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if doc, ok := s.domains[name]; ok {
		return doc, nil
	}

	if strings.ContainsAny(name, `/\`) {
		return nil, schema.NewErrorf(schema.ErrCodeParameterMalformed, "invalid parameter domain %q", name)
	}

	for _, ext := range []string{".yaml", ".yml", ".json"} {
		data, err := os.ReadFile(filepath.Join(s.root, name+ext))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read parameter domain %s: %w", name, err)
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeParse, "decode parameter domain %s", name).WithCause(err)
		}
		doc = Normalize(doc)
		s.domains[name] = doc
		return doc, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeParameterNotFound, "parameter domain %q not found", name).
		WithDetails(map[string]any{"domain": name, "root": s.root})
}

// MapStore serves parameters from in-memory domain documents.
type MapStore struct {
	res     *resolver
	domains map[string]any
}

// NewMapStore creates a store over the given domain documents. The documents
// are normalized and must not be modified afterwards.
func NewMapStore(domains map[string]any) (*MapStore, error) {
	res, err := newResolver()
	if err != nil {
		return nil, err
	}
	norm := make(map[string]any, len(domains))
	for k, v := range domains {
		norm[k] = Normalize(v)
	}
	return &MapStore{res: res, domains: norm}, nil
}

// Resolve implements Store.
func (s *MapStore) Resolve(domain, path string) (any, schema.ParameterMetadata, error) {
	doc, ok := s.domains[domain]
	if !ok {
		return nil, schema.ParameterMetadata{}, schema.NewErrorf(schema.ErrCodeParameterNotFound,
			"parameter domain %q not found", domain).WithDetails(map[string]any{"domain": domain})
	}
	return resolveIn(s.res, doc, domain, path)
}

func resolveIn(res *resolver, doc any, domain, path string) (any, schema.ParameterMetadata, error) {
	raw, ok, err := res.lookup(doc, path)
	if err != nil {
		return nil, schema.ParameterMetadata{}, schema.NewErrorf(schema.ErrCodeParameterNotFound,
			"resolve %s.%s", domain, path).WithCause(err)
	}
	if !ok {
		return nil, schema.ParameterMetadata{}, schema.NewErrorf(schema.ErrCodeParameterNotFound,
			"parameter path %q not found in domain %q", path, domain).
			WithDetails(map[string]any{"domain": domain, "path": path})
	}
	value, src := unwrapProvenance(raw)
	return value, schema.ParameterMetadata{
		Token:    domain + "." + path,
		Domain:   domain,
		Path:     path,
		SourceID: src,
	}, nil
}

// Normalize converts decoder output into the plain map/slice shapes that
// gojq and the loader expect (string-keyed maps, []any).
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = Normalize(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[fmt.Sprint(k)] = Normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = Normalize(x)
		}
		return out
	case int64:
		return int(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MapStore)(nil)
)
