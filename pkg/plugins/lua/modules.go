package lua

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	lua "github.com/yuin/gopher-lua"
)

// gatedLibraries are opened on require only when the capability context
// allows the import
var gatedLibraries = map[string]lua.LGFunction{
	lua.OsLibName:    lua.OpenOs,
	lua.IoLibName:    lua.OpenIo,
	lua.DebugLibName: lua.OpenDebug,
}

func capabilities(L *lua.LState) (plugins.Capabilities, bool) {
	return plugins.CapabilitiesFrom(L.Context())
}

// require resolves host modules, gated standard libraries and Lua files
// inside the plugin directory
func (m *Module) require(L *lua.LState) int {
	name := L.CheckString(1)

	switch name {
	case "cloudcraver":
		L.Push(L.GetGlobal("cloudcraver"))
		return 1
	case "cloudcraver.fs":
		L.Push(L.GetField(L.GetGlobal("cloudcraver"), "fs"))
		return 1
	}

	caps, ok := capabilities(L)
	if !ok {
		if isGatedImport(name) {
			L.RaiseError("import of %s denied: no security context", name)
			return 0
		}
	} else if err := caps.CheckImport(name); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	if cached := m.loaded.RawGetString(name); cached != lua.LNil {
		L.Push(cached)
		return 1
	}

	if open, ok := gatedLibraries[name]; ok {
		L.Push(L.NewFunction(open))
		L.Call(0, 1)
		mod := L.Get(-1)
		m.loaded.RawSetString(name, mod)
		return 1
	}

	rel := strings.ReplaceAll(name, ".", "/") + ".lua"
	path, err := resolveInside(m.unit.Dir, rel)
	if err != nil {
		L.RaiseError("module %s: %s", name, err.Error())
		return 0
	}
	if _, err := os.Stat(path); err != nil {
		L.RaiseError("module %s not found", name)
		return 0
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		L.RaiseError("module %s: %s", name, err.Error())
		return 0
	}
	L.Push(fn)
	L.Call(0, 1)
	mod := L.Get(-1)
	if mod == lua.LNil {
		L.Pop(1)
		mod = lua.LTrue
		L.Push(mod)
	}
	m.loaded.RawSetString(name, mod)
	return 1
}

func isGatedImport(name string) bool {
	base := strings.SplitN(name, ".", 2)[0]
	switch base {
	case "os", "io", "debug", "package":
		return true
	}
	return false
}

// hostModule builds the cloudcraver global: logging plus a filesystem
// module routed through the capability context
func (m *Module) hostModule() *lua.LTable {
	L := m.L
	host := L.NewTable()
	L.SetFuncs(host, map[string]lua.LGFunction{
		"log": m.luaLog,
	})

	fs := L.NewTable()
	L.SetFuncs(fs, map[string]lua.LGFunction{
		"read_file":  m.luaReadFile,
		"write_file": m.luaWriteFile,
		"temp_dir":   luaTempDir,
	})
	host.RawSetString("fs", fs)
	return host
}

func (m *Module) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	switch strings.ToLower(level) {
	case "debug":
		m.log.Debug(msg)
	case "warn", "warning":
		m.log.Warn(msg)
	case "error":
		m.log.Error(msg)
	default:
		m.log.Info(msg)
	}
	return 0
}

func (m *Module) luaReadFile(L *lua.LState) int {
	caps, ok := capabilities(L)
	if !ok {
		return pushError(L, "file read denied: no security context")
	}

	path := L.CheckString(1)
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.unit.Dir, path)
	}
	data, err := caps.ReadFile(path)
	if err != nil {
		return pushError(L, err.Error())
	}
	L.Push(lua.LString(data))
	return 1
}

func (m *Module) luaWriteFile(L *lua.LState) int {
	caps, ok := capabilities(L)
	if !ok {
		return pushError(L, "file write denied: no security context")
	}

	path := L.CheckString(1)
	content := L.CheckString(2)
	if !filepath.IsAbs(path) {
		path = filepath.Join(caps.TempDir(), path)
	}
	if err := caps.WriteFile(path, []byte(content), 0644); err != nil {
		return pushError(L, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

func luaTempDir(L *lua.LState) int {
	caps, ok := capabilities(L)
	if !ok {
		return pushError(L, "no security context")
	}
	L.Push(lua.LString(caps.TempDir()))
	return 1
}

// pushError follows the Lua convention of returning nil, message
func pushError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}
