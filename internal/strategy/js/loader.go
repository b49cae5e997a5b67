// Package js hosts goja-backed strategies loaded from disk. A module is a
// CommonJS-style file exporting `metadata` and `create(env)`; the handler
// object create returns implements the same contract compiled-in strategies
// do, across the language boundary.
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/tally/errs"
)

// Metadata is the static description a module exports.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Module is one compiled strategy file.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Metadata Metadata
	Program  *goja.Program
	Size     int64
}

// ModuleSummary exposes immutable module details for listings.
type ModuleSummary struct {
	Name     string   `json:"name"`
	File     string   `json:"file"`
	Hash     string   `json:"hash"`
	Size     int64    `json:"size"`
	Metadata Metadata `json:"metadata"`
}

// Loader manages strategy modules sourced from one directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// NewLoader constructs a loader rooted at the provided directory, creating
// it when absent.
func NewLoader(root string) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errs.New("strategy.js.loader", errs.CodeConfig,
			errs.WithMessage("script directory required"))
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, errs.New("strategy.js.loader", errs.CodeConfig,
			errs.WithMessage("ensure directory "+clean), errs.WithCause(err))
	}
	return &Loader{
		mu:     sync.RWMutex{},
		root:   clean,
		byName: make(map[string]*Module),
	}, nil
}

// Root returns the filesystem root used by the loader.
func (l *Loader) Root() string {
	if l == nil {
		return ""
	}
	return l.root
}

// Refresh reloads every JavaScript module under the root. A module that no
// longer compiles fails the whole refresh; the previous catalog stays
// active.
func (l *Loader) Refresh(ctx context.Context) error {
	if l == nil {
		return errs.New("strategy.js.refresh", errs.CodeInternal, errs.WithMessage("nil loader"))
	}
	if err := ctx.Err(); err != nil {
		return errs.New("strategy.js.refresh", errs.CodeInternal,
			errs.WithMessage("refresh canceled"), errs.WithCause(err))
	}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		return errs.New("strategy.js.refresh", errs.CodeConfig,
			errs.WithMessage("read directory "+l.root), errs.WithCause(err))
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			return err
		}
		lower := strings.ToLower(module.Name)
		if _, exists := next[lower]; exists {
			return errs.New("strategy.js.refresh", errs.CodeConfig,
				errs.WithMessage("duplicate strategy name "+module.Name))
		}
		next[lower] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// List returns the loaded module catalog sorted by name.
func (l *Loader) List() []ModuleSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ModuleSummary, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, ModuleSummary{
			Name:     module.Name,
			File:     module.Filename,
			Hash:     module.Hash,
			Size:     module.Size,
			Metadata: module.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the in-memory module definition for instantiation.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errs.New("strategy.js.get", errs.CodeNotFound,
			errs.WithMessage("module "+name+" not loaded"))
	}
	return module, nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	// #nosec G304 -- fullPath originates from os.ReadDir and filepath.Join within loader root.
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, errs.New("strategy.js.compile", errs.CodeConfig,
			errs.WithMessage("read "+fullPath), errs.WithCause(err))
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, errs.New("strategy.js.compile", errs.CodeConfig,
			errs.WithMessage("compile "+fullPath), errs.WithCause(err))
	}

	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, errs.New("strategy.js.compile", errs.CodeConfig,
			errs.WithMessage(fullPath), errs.WithCause(err))
	}

	sum := sha256.Sum256(source)
	module := Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
		Size:     fileSize(entry),
	}
	return &module, nil
}

func extractMetadata(program *goja.Program) (Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return Metadata{}, err
	}
	raw := exports.Get("metadata")
	if goja.IsUndefined(raw) || goja.IsNull(raw) {
		return Metadata{}, fmt.Errorf("metadata export missing")
	}

	var meta Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return Metadata{}, fmt.Errorf("metadata name required")
	}
	return meta, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}

func fileSize(entry fs.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}
	return info.Size()
}
