// Package loader reads module documents into typed definitions, resolving
// parameter tokens once at load time.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/params"
	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

// extensions are tried in order when a module name is resolved to a file.
var extensions = []string{".yaml", ".yml", ".json"}

// Loader resolves module names against a filesystem root. Loaded definitions
// are cached and shared; callers must not modify them.
type Loader struct {
	fsys   fs.FS
	params params.Store
	docs   *validation.DocumentValidator
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*schema.ModuleDefinition
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// New creates a loader reading modules from fsys. store may be nil when no
// module uses parameter tokens.
func New(fsys fs.FS, store params.Store, opts ...Option) (*Loader, error) {
	docs, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	l := &Loader{
		fsys:   fsys,
		params: store,
		docs:   docs,
		cache:  make(map[string]*schema.ModuleDefinition),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDiscard(l.logger)
	return l, nil
}

// NewDir creates a loader over a directory on disk.
func NewDir(dir string, store params.Store, opts ...Option) (*Loader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("module root %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("module root %s is not a directory", dir)
	}
	return New(os.DirFS(dir), store, opts...)
}

// Load returns the definition named name, reading and resolving it on first use.
func (l *Loader) Load(name string) (*schema.ModuleDefinition, error) {
	l.mu.RLock()
	if def, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return def, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if def, ok := l.cache[name]; ok {
		return def, nil
	}

	data, file, err := l.read(name)
	if err != nil {
		return nil, err
	}
	def, err := l.Parse(name, data)
	if err != nil {
		return nil, err
	}
	def.Source = file

	l.cache[name] = def
	l.logger.Debug("module loaded", "module", name, "file", file,
		"states", len(def.States), "parameters", len(def.Parameters()))
	return def, nil
}

func (l *Loader) read(name string) ([]byte, string, error) {
	notFound := func() error {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no definition file for module %q", name).
			WithModule(name)
	}
	if name == "" || strings.HasPrefix(name, "/") {
		return nil, "", notFound()
	}
	for _, ext := range extensions {
		file := name + ext
		if !fs.ValidPath(file) {
			return nil, "", notFound()
		}
		data, err := fs.ReadFile(l.fsys, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("read module %s: %w", file, err)
		}
		return data, file, nil
	}
	return nil, "", notFound()
}

// List returns the names of every module under the root, sorted. Names of
// modules in subdirectories keep their relative path ("submodules/labs").
func (l *Loader) List() ([]string, error) {
	seen := make(map[string]bool)
	err := fs.WalkDir(l.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := path.Ext(p)
		for _, e := range extensions {
			if ext == e {
				seen[strings.TrimSuffix(p, ext)] = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Parse decodes one module document. The returned definition is named name
// regardless of any name field in the document.
func (l *Loader) Parse(name string, data []byte) (*schema.ModuleDefinition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, schema.NewError(schema.ErrCodeParse, "decode module document").
			WithModule(name).WithCause(err)
	}

	var raw any
	if len(root.Content) > 0 {
		if err := root.Content[0].Decode(&raw); err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "decode module document").
				WithModule(name).WithCause(err)
		}
	}
	raw = params.Normalize(raw)

	if err := l.docs.ValidateDocument(raw); err != nil {
		var merr *schema.ModuleError
		if errors.As(err, &merr) {
			return nil, merr.WithModule(name)
		}
		return nil, err
	}

	doc := raw.(map[string]any)
	return build(name, doc, stateOrder(&root), l.params)
}

// stateOrder returns the keys of the top-level states mapping in document order.
func stateOrder(root *yaml.Node) []string {
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil
	}
	top := root.Content[0]
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value != "states" || top.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		states := top.Content[i+1]
		order := make([]string, 0, len(states.Content)/2)
		for j := 0; j+1 < len(states.Content); j += 2 {
			order = append(order, states.Content[j].Value)
		}
		return order
	}
	return nil
}
