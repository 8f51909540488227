// Package lua runs scripted plugins on gopher-lua. Each implementation unit
// gets its own LState with only the base, table, string and math libraries
// opened. File access and gated modules go through the plugins.Capabilities
// attached to the calling context.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds every call into Lua code
const DefaultCallTimeout = 30 * time.Second

var (
	ErrModuleClosed  = errors.New("lua module is closed")
	ErrClassNotFound = errors.New("lua class not found")
	ErrNoMethod      = errors.New("lua method not found")
)

// removedGlobals are base functions that load code from strings or disk
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring"}

// Options configures the Lua runtime
type Options struct {
	CallTimeout time.Duration
}

// Runtime opens Lua implementation units
type Runtime struct {
	opts Options
	log  *logrus.Logger
}

// New creates a Lua runtime
func New(opts Options, log *logrus.Logger) *Runtime {
	if log == nil {
		log = logrus.New()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Runtime{opts: opts, log: log}
}

// Name returns the runtime name used in manifests
func (r *Runtime) Name() string { return plugins.RuntimeLua }

// Open creates a state for the unit and runs its module file
func (r *Runtime) Open(ctx context.Context, unit plugins.Unit) (plugins.Module, error) {
	modulePath, err := resolveInside(unit.Dir, unit.Manifest.ModulePath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(modulePath); err != nil {
		return nil, fmt.Errorf("module file not found: %w", err)
	}

	m := &Module{
		L:       lua.NewState(lua.Options{SkipOpenLibs: true}),
		unit:    unit,
		timeout: r.opts.CallTimeout,
		log:     r.log.WithFields(logrus.Fields{"plugin": unit.Manifest.Name, "unit": unit.Key}),
	}
	m.install()

	err = m.with(ctx, func(L *lua.LState) error {
		return L.DoFile(modulePath)
	})
	if err != nil {
		m.L.Close()
		return nil, fmt.Errorf("failed to run %s: %w", unit.Manifest.ModulePath, err)
	}

	m.log.Debugf("Opened lua unit from %s", modulePath)
	return m, nil
}

// resolveInside joins rel onto dir and rejects results outside dir
func resolveInside(dir, rel string) (string, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(base, filepath.FromSlash(rel))
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes plugin directory", rel)
	}
	return target, nil
}

// Module is one Lua implementation unit. LState is not goroutine safe, so
// every entry into Lua holds mu.
type Module struct {
	L       *lua.LState
	unit    plugins.Unit
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.Mutex
	loaded *lua.LTable
	closed bool
}

func (m *Module) install() {
	L := m.L
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	m.loaded = L.NewTable()
	L.SetGlobal("require", L.NewFunction(m.require))
	L.SetGlobal("cloudcraver", m.hostModule())
}

// with runs fn against the state under the module lock with ctx attached.
// The context carries the deadline and the capability context.
func (m *Module) with(ctx context.Context, fn func(L *lua.LState) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrModuleClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.L.SetContext(ctx)
	defer m.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn(m.L)
}

// Entry returns a factory for the global class table named class
func (m *Module) Entry(class string) (plugins.Factory, error) {
	var found bool
	err := m.with(context.Background(), func(L *lua.LState) error {
		_, found = L.GetGlobal(class).(*lua.LTable)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, class)
	}

	return func(manifest *plugins.Manifest, config map[string]any) (plugins.Instance, error) {
		return m.newInstance(class, manifest, config)
	}, nil
}

// newInstance calls Class.new(manifest, config) when present, otherwise it
// uses the class table itself as the instance
func (m *Module) newInstance(class string, manifest *plugins.Manifest, config map[string]any) (plugins.Instance, error) {
	var obj *lua.LTable
	err := m.with(context.Background(), func(L *lua.LState) error {
		classTable, ok := L.GetGlobal(class).(*lua.LTable)
		if !ok {
			return fmt.Errorf("%w: %s", ErrClassNotFound, class)
		}

		manifestValue := manifestTable(L, manifest)
		configValue := toLua(L, config)

		ctor, ok := L.GetField(classTable, "new").(*lua.LFunction)
		if !ok {
			L.SetField(classTable, "manifest", manifestValue)
			L.SetField(classTable, "config", configValue)
			obj = classTable
			return nil
		}

		if err := L.CallByParam(lua.P{Fn: ctor, NRet: 1, Protect: true}, manifestValue, configValue); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)
		t, ok := ret.(*lua.LTable)
		if !ok {
			return fmt.Errorf("%s.new returned %s, expected table", class, ret.Type())
		}
		obj = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Instance{module: m, obj: obj, manifest: manifest}, nil
}

func manifestTable(L *lua.LState, manifest *plugins.Manifest) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(manifest.Name))
	t.RawSetString("version", lua.LString(manifest.Version))
	t.RawSetString("description", lua.LString(manifest.Description))
	t.RawSetString("author", lua.LString(manifest.Author))
	t.RawSetString("type", lua.LString(string(manifest.Type)))
	t.RawSetString("main_class", lua.LString(manifest.MainClass))
	t.RawSetString("keywords", toLua(L, manifest.Keywords))
	t.RawSetString("hooks", toLua(L, manifest.Hooks))
	return t
}

// Close releases the state
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.L.Close()
	m.closed = true
	return nil
}
