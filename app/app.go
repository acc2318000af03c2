package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/murmur-chat/epochs/app/logger"
)

var log = logger.NewNamed("app")

// Component is a minimal interface for a common app.Component
type Component interface {
	// Init will be called first
	// When returned error is not nil - app start will be aborted
	Init(a *App) (err error)
	// Name must return unique service name
	Name() (name string)
}

// ComponentRunnable is an interface for realizing ability to start background processes or deep configure service
type ComponentRunnable interface {
	Component
	// Run will be called after init stage
	// Non-nil error also will be aborted app start
	Run(ctx context.Context) (err error)
	// Close will be called when app shutting down
	// Also will be called when service return error on Init or Run stage
	// Non-nil error will be printed to log
	Close(ctx context.Context) (err error)
}

// App is the central part of the application
// It contains and manages all components
type App struct {
	components []Component
	mu         sync.RWMutex
}

// New creates a new app container
func New() *App {
	return &App{}
}

// Register adds component to registry
// All components will be started in the order they were registered
func (app *App) Register(c Component) *App {
	app.mu.Lock()
	defer app.mu.Unlock()
	for _, ec := range app.components {
		if c.Name() == ec.Name() {
			panic(fmt.Errorf("component '%s' already registered", c.Name()))
		}
	}
	app.components = append(app.components, c)
	return app
}

// Component returns component by name
// If component with given name wasn't registered, nil will be returned
func (app *App) Component(name string) Component {
	app.mu.RLock()
	defer app.mu.RUnlock()
	for _, c := range app.components {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// MustComponent is like Component, but it will panic if component wasn't found
func (app *App) MustComponent(name string) Component {
	c := app.Component(name)
	if c == nil {
		panic(fmt.Errorf("component '%s' not registered", name))
	}
	return c
}

// ComponentNames returns all registered names
func (app *App) ComponentNames() (names []string) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	names = make([]string, len(app.components))
	for i, c := range app.components {
		names[i] = c.Name()
	}
	return
}

// Start starts the application
// All registered components will be initialized and run
func (app *App) Start(ctx context.Context) (err error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	closeComponents := func(idx int) {
		for i := idx; i >= 0; i-- {
			if closer, ok := app.components[i].(ComponentRunnable); ok {
				if e := closer.Close(ctx); e != nil {
					log.Info("close error", zap.String("component", closer.Name()), zap.Error(e))
				}
			}
		}
	}

	for i, c := range app.components {
		if err = c.Init(app); err != nil {
			closeComponents(i)
			return fmt.Errorf("can't init component '%s': %v", c.Name(), err)
		}
	}

	for i, c := range app.components {
		if runnable, ok := c.(ComponentRunnable); ok {
			start := time.Now()
			if err = runnable.Run(ctx); err != nil {
				closeComponents(i)
				return fmt.Errorf("can't run component '%s': %v", c.Name(), err)
			}
			if spent := time.Since(start); spent > time.Second {
				log.Warn("slow component run", zap.String("component", c.Name()), zap.Duration("spent", spent))
			}
		}
	}
	log.Debug("all components started")
	return
}

// Close stops the application
// All components with ComponentRunnable implementation will be closed in the reversed order
func (app *App) Close(ctx context.Context) error {
	log.Debug("close components...")
	app.mu.RLock()
	defer app.mu.RUnlock()

	var errs []string
	for i := len(app.components) - 1; i >= 0; i-- {
		if closer, ok := app.components[i].(ComponentRunnable); ok {
			if e := closer.Close(ctx); e != nil {
				errs = append(errs, fmt.Sprintf("component '%s' close error: %v", closer.Name(), e))
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	log.Debug("all components have been closed")
	return nil
}
