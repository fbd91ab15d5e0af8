// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kusari-oss/remedy/internal/core/action"
	"github.com/kusari-oss/remedy/internal/core/format"
	"github.com/kusari-oss/remedy/internal/logging"
	"github.com/kusari-oss/remedy/internal/remedy/condition"
)

// Loader reads strategy catalogs from files, directories and embedded
// file systems.
type Loader struct {
	evaluator *condition.Evaluator
	factory   *action.Factory
	logger    *logging.Logger
}

// NewLoader creates a loader. factory may be nil when strategies are only
// planned, never executed directly.
func NewLoader(evaluator *condition.Evaluator, factory *action.Factory, logger *logging.Logger) *Loader {
	return &Loader{
		evaluator: evaluator,
		factory:   factory,
		logger:    logging.OrNop(logger).Named("catalog"),
	}
}

// ParseCatalog parses catalog data. Both YAML and JSON are accepted.
func (l *Loader) ParseCatalog(data []byte, source string) ([]*Declarative, error) {
	var catalog Catalog
	if err := format.ParseData(data, &catalog); err != nil {
		return nil, fmt.Errorf("error parsing catalog %s: %w", source, err)
	}

	strategies := make([]*Declarative, 0, len(catalog.Strategies))
	for _, def := range catalog.Strategies {
		s, err := NewDeclarative(def,
			WithEvaluator(l.evaluator),
			WithFactory(l.factory),
			WithSource(source),
			WithDeclarativeLogger(l.logger))
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", source, err)
		}
		strategies = append(strategies, s)
	}
	return strategies, nil
}

// LoadFile loads a single catalog file.
func (l *Loader) LoadFile(filePath string) ([]*Declarative, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog: %w", err)
	}
	return l.ParseCatalog(data, filePath)
}

func isCatalogFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir loads every catalog file in dir, in file name order. A missing
// directory yields no strategies.
func (l *Loader) LoadDir(dir string) ([]*Declarative, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading catalog directory %s: %w", dir, err)
	}

	var out []*Declarative
	for _, entry := range entries {
		if entry.IsDir() || !isCatalogFile(entry.Name()) {
			continue
		}
		strategies, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, strategies...)
	}
	return out, nil
}

// LoadFS loads every catalog file below root in fsys.
func (l *Loader) LoadFS(fsys fs.FS, root string) ([]*Declarative, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isCatalogFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking embedded catalogs: %w", err)
	}
	sort.Strings(files)

	var out []*Declarative
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, fmt.Errorf("error reading embedded catalog %s: %w", f, err)
		}
		strategies, err := l.ParseCatalog(data, "embedded:"+f)
		if err != nil {
			return nil, err
		}
		out = append(out, strategies...)
	}
	return out, nil
}

// Register adds strategies to reg in order. A (name, version) that is
// already registered is skipped, so earlier sources take precedence.
func (l *Loader) Register(reg *Registry, strategies []*Declarative) int {
	added := 0
	for _, s := range strategies {
		meta := s.Metadata()
		if _, err := reg.Get(meta.Name, meta.Version); err == nil {
			l.logger.Debug(context.Background(), "strategy shadowed by an earlier catalog",
				zap.String("strategy", meta.Name), zap.String("version", meta.Version), zap.String("source", meta.Source))
			continue
		}
		if err := reg.Register(s); err != nil {
			l.logger.Warn(context.Background(), "could not register strategy",
				zap.String("strategy", meta.Name), zap.Error(err))
			continue
		}
		added++
	}
	return added
}

// LoadDirs loads the given directories in precedence order into reg.
func (l *Loader) LoadDirs(reg *Registry, dirs ...string) (int, error) {
	total := 0
	for _, dir := range dirs {
		strategies, err := l.LoadDir(dir)
		if err != nil {
			return total, err
		}
		total += l.Register(reg, strategies)
	}
	return total, nil
}
