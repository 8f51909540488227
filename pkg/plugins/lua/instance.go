package lua

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	lua "github.com/yuin/gopher-lua"
)

// Instance adapts a Lua object table to the plugin interfaces. Which
// operations the object really has is answered by HasOperation.
type Instance struct {
	module   *Module
	obj      *lua.LTable
	manifest *plugins.Manifest
}

var (
	_ plugins.TemplatePlugin  = (*Instance)(nil)
	_ plugins.ProviderPlugin  = (*Instance)(nil)
	_ plugins.ValidatorPlugin = (*Instance)(nil)
	_ plugins.HookPlugin      = (*Instance)(nil)
	_ plugins.HookProvider    = (*Instance)(nil)
	_ plugins.Introspector    = (*Instance)(nil)
)

// HasOperation reports whether the object has a method named name
func (i *Instance) HasOperation(name string) bool {
	var ok bool
	_ = i.module.with(context.Background(), func(L *lua.LState) error {
		_, ok = L.GetField(i.obj, name).(*lua.LFunction)
		return nil
	})
	return ok
}

// invoke calls obj:method(args...) and returns every result. A method that
// returns false or nil followed by a message reports that message as an error.
func (i *Instance) invoke(ctx context.Context, method string, args ...any) ([]any, error) {
	var results []any
	err := i.module.with(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(i.obj, method).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMethod, method)
		}

		top := L.GetTop()
		callArgs := make([]lua.LValue, 0, len(args)+1)
		callArgs = append(callArgs, i.obj)
		for _, a := range args {
			callArgs = append(callArgs, toLua(L, a))
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, callArgs...); err != nil {
			return err
		}

		n := L.GetTop() - top
		values := make([]lua.LValue, n)
		for k := 0; k < n; k++ {
			values[k] = L.Get(top + k + 1)
		}
		if n > 0 {
			L.Pop(n)
		}

		if n >= 2 && lua.LVIsFalse(values[0]) {
			if msg, isString := values[1].(lua.LString); isString {
				return fmt.Errorf("%s: %s", method, string(msg))
			}
		}

		results = make([]any, n)
		for k, v := range values {
			if fnValue, isFn := v.(*lua.LFunction); isFn {
				results[k] = fnValue
				continue
			}
			if t, isTable := v.(*lua.LTable); isTable {
				results[k] = t
				continue
			}
			results[k] = toGo(v)
		}
		return nil
	})
	return results, err
}

// invokeOptional calls a lifecycle method only when the object defines it
func (i *Instance) invokeOptional(ctx context.Context, method string, args ...any) error {
	if !i.HasOperation(method) {
		return nil
	}
	_, err := i.invoke(ctx, method, args...)
	return err
}

func (i *Instance) Initialize(ctx context.Context, pc *plugins.Context) error {
	pctx := map[string]any{}
	if pc != nil {
		pctx = map[string]any{
			"core_version": pc.CoreVersion,
			"data_dir":     pc.DataDir,
			"cache_dir":    pc.CacheDir,
			"temp_dir":     pc.TempDir,
			"environment":  pc.Environment,
		}
	}
	return i.invokeOptional(ctx, "initialize", pctx)
}

func (i *Instance) Activate(ctx context.Context) error {
	return i.invokeOptional(ctx, "activate")
}

func (i *Instance) Deactivate(ctx context.Context) error {
	return i.invokeOptional(ctx, "deactivate")
}

func (i *Instance) Cleanup(ctx context.Context) error {
	return i.invokeOptional(ctx, "cleanup")
}

// TemplateClass returns a factory backed by the value get_template_class
// returns: a function, a table with new, or a plain table used as-is
func (i *Instance) TemplateClass() (plugins.TemplateFactory, error) {
	results, err := i.invoke(context.Background(), "get_template_class")
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0] == nil {
		return nil, fmt.Errorf("get_template_class returned nothing")
	}
	class := results[0]

	return func(ctx context.Context, params map[string]any) (any, error) {
		var out any
		err := i.module.with(ctx, func(L *lua.LState) error {
			var fn *lua.LFunction
			var self lua.LValue
			switch c := class.(type) {
			case *lua.LFunction:
				fn = c
			case *lua.LTable:
				ctor, ok := L.GetField(c, "new").(*lua.LFunction)
				if !ok {
					out = toGo(c)
					return nil
				}
				fn, self = ctor, c
			default:
				out = c
				return nil
			}

			args := []lua.LValue{toLua(L, params)}
			if self != nil {
				args = append([]lua.LValue{self}, args...)
			}
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
				return err
			}
			out = toGo(L.Get(-1))
			L.Pop(1)
			return nil
		})
		return out, err
	}, nil
}

func (i *Instance) SupportedProviders() []string {
	return i.stringsResult("get_supported_providers")
}

func (i *Instance) ProviderName() string {
	results, err := i.invoke(context.Background(), "get_provider_name")
	if err != nil || len(results) == 0 {
		return ""
	}
	name, _ := results[0].(string)
	return name
}

func (i *Instance) ValidateCredentials(ctx context.Context, credentials map[string]string) (bool, error) {
	results, err := i.invoke(ctx, "validate_credentials", credentials)
	if err != nil {
		return false, err
	}
	if len(results) == 0 {
		return false, nil
	}
	ok, _ := results[0].(bool)
	return ok, nil
}

// Validate expects an array of {severity, message, path, line} tables
func (i *Instance) Validate(ctx context.Context, content string, vctx map[string]any) ([]plugins.Finding, error) {
	var findings []plugins.Finding
	err := i.module.with(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(i.obj, "validate").(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: validate", ErrNoMethod)
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, i.obj, lua.LString(content), toLua(L, vctx)); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)

		list, ok := ret.(*lua.LTable)
		if !ok {
			return nil
		}
		for k := 1; k <= list.Len(); k++ {
			item, ok := list.RawGetInt(k).(*lua.LTable)
			if !ok {
				continue
			}
			line, _ := item.RawGetString("line").(lua.LNumber)
			findings = append(findings, plugins.Finding{
				Severity: plugins.Severity(lua.LVAsString(item.RawGetString("severity"))),
				Message:  lua.LVAsString(item.RawGetString("message")),
				Path:     lua.LVAsString(item.RawGetString("path")),
				Line:     int(line),
			})
		}
		return nil
	})
	return findings, err
}

func (i *Instance) HookPoints() []string {
	return i.stringsResult("get_hook_points")
}

// Hooks maps each hook named in the manifest to the method of the same name
func (i *Instance) Hooks() map[string]plugins.HookFunc {
	hooks := make(map[string]plugins.HookFunc)
	for _, hook := range i.manifest.Hooks {
		if !i.HasOperation(hook) {
			continue
		}
		name := hook
		hooks[name] = func(ctx context.Context, args map[string]any) (any, error) {
			results, err := i.invoke(ctx, name, args)
			if err != nil || len(results) == 0 {
				return nil, err
			}
			if t, ok := results[0].(*lua.LTable); ok {
				return i.tableValue(t), nil
			}
			return results[0], nil
		}
	}
	return hooks
}

func (i *Instance) tableValue(t *lua.LTable) any {
	var out any
	_ = i.module.with(context.Background(), func(*lua.LState) error {
		out = toGo(t)
		return nil
	})
	return out
}

func (i *Instance) stringsResult(method string) []string {
	var out []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := i.module.with(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(i.obj, method).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMethod, method)
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, i.obj); err != nil {
			return err
		}
		out = toStrings(L.Get(-1))
		L.Pop(1)
		return nil
	})
	if err != nil {
		i.module.log.Warnf("%s failed: %v", method, err)
	}
	return out
}
