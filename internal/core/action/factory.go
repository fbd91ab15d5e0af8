// SPDX-License-Identifier: Apache-2.0

package action

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/kusari-oss/remedy/internal/core/models"
	"github.com/kusari-oss/remedy/internal/logging"
)

// ActionCreator creates an action from a configuration.
type ActionCreator func(Config, ActionContext) (Action, error)

// ActionContext provides contextual information for action creation.
type ActionContext struct {
	TemplatesDir       string
	GlobalTemplatesDir string
	WorkingDir         string
	// Verbose receives command output when set.
	Verbose     io.Writer
	UseLocal    bool
	UseGlobal   bool
	GlobalFirst bool
	Logger      *logging.Logger
}

// Factory maps capability tags to action implementations.
type Factory struct {
	mu             sync.RWMutex
	actionCreators map[string]ActionCreator
	context        ActionContext
}

// NewFactory creates a new action factory with the given context.
func NewFactory(context ActionContext) *Factory {
	context.Logger = logging.OrNop(context.Logger)
	return &Factory{
		actionCreators: make(map[string]ActionCreator),
		context:        context,
	}
}

// NewDefaultFactory creates a factory with the standard types registered.
func NewDefaultFactory(context ActionContext) *Factory {
	f := NewFactory(context)
	f.RegisterDefaultTypes()
	return f
}

// Register registers a new action type creator.
func (f *Factory) Register(typeName string, creator ActionCreator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionCreators[typeName] = creator
}

// Has reports whether typeName is registered.
func (f *Factory) Has(typeName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.actionCreators[typeName]
	return ok
}

// Types returns the registered type names, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.actionCreators))
	for t := range f.actionCreators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create creates an action of the specified type.
func (f *Factory) Create(config Config) (Action, error) {
	f.mu.RLock()
	creator, ok := f.actionCreators[config.Type]
	ctx := f.context
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action type: %s", config.Type)
	}
	return creator(config, ctx)
}

// CreateFor creates the implementation of a remediation action.
func (f *Factory) CreateFor(a *models.RemediationAction) (Action, error) {
	config, err := ConfigFromAction(a)
	if err != nil {
		return nil, err
	}
	return f.Create(config)
}

// RegisterDefaultTypes registers the cli, file and noop action types.
func (f *Factory) RegisterDefaultTypes() {
	f.Register(string(models.ActionTypeFile), func(config Config, context ActionContext) (Action, error) {
		if config.TemplatePath == "" && config.Content == "" {
			return nil, fmt.Errorf("template_path or content is required for file actions")
		}
		if config.TargetPath == "" {
			return nil, fmt.Errorf("target_path is required for file actions")
		}
		return &FileAction{
			config:             config,
			templatesDir:       context.TemplatesDir,
			globalTemplatesDir: context.GlobalTemplatesDir,
			useLocal:           context.UseLocal,
			useGlobal:          context.UseGlobal,
			globalFirst:        context.GlobalFirst,
			logger:             context.Logger,
		}, nil
	})

	f.Register(string(models.ActionTypeCLI), func(config Config, context ActionContext) (Action, error) {
		return NewCLIAction(config, context)
	})

	f.Register(string(models.ActionTypeNoop), func(config Config, context ActionContext) (Action, error) {
		return NewNoopAction(config), nil
	})
}

// UpdateContext updates the factory's context.
func (f *Factory) UpdateContext(context ActionContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	context.Logger = logging.OrNop(context.Logger)
	f.context = context
}
