package plugins

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	goast "go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/cloudcraver/pkg/plugins/archive"
	"github.com/sirupsen/logrus"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

const (
	defaultMaxFileSize    = 1 << 20
	defaultMaxPackageSize = 100 << 20
)

var (
	pluginNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	classNameRegex  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	dependencyRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*(\s*(>=|<=|==|!=|~=|>|<)?\s*v?\d[\w.+-]*(\s*,\s*(>=|<=|==|!=|~=|>|<)?\s*v?\d[\w.+-]*)*)?$`)
)

// luaCallRules flag calls and references to dangerous Lua globals
var luaCallRules = map[string]Severity{
	"os.execute":      SeverityCritical,
	"io.popen":        SeverityCritical,
	"loadstring":      SeverityCritical,
	"load":            SeverityCritical,
	"dofile":          SeverityCritical,
	"loadfile":        SeverityCritical,
	"package.loadlib": SeverityHigh,
	"rawget":          SeverityHigh,
	"getfenv":         SeverityHigh,
	"setfenv":         SeverityHigh,
	"os.remove":       SeverityHigh,
	"os.rename":       SeverityHigh,
	"os.exit":         SeverityHigh,
	"io.open":         SeverityMedium,
	"os.getenv":       SeverityLow,
}

// luaModuleRules flag required modules
var luaModuleRules = map[string]Severity{
	"os":      SeverityHigh,
	"io":      SeverityHigh,
	"debug":   SeverityHigh,
	"package": SeverityHigh,
	"ffi":     SeverityCritical,
	"socket":  SeverityMedium,
	"ssl":     SeverityMedium,
	"http":    SeverityMedium,
}

// goImportRules flag imports in Go sources shipped with a plugin
var goImportRules = map[string]Severity{
	"os/exec":  SeverityCritical,
	"syscall":  SeverityCritical,
	"unsafe":   SeverityCritical,
	"plugin":   SeverityCritical,
	"os":       SeverityHigh,
	"reflect":  SeverityHigh,
	"net":      SeverityMedium,
	"net/http": SeverityMedium,
}

type sourcePattern struct {
	name     string
	pattern  *regexp.Regexp
	severity Severity
	category string
}

var sourcePatterns = []sourcePattern{
	{"hardcoded API Key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']([a-zA-Z0-9]{20,})["']`), SeverityHigh, "hardcoded-secret"},
	{"hardcoded Password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']([^"']{8,})["']`), SeverityHigh, "hardcoded-secret"},
	{"hardcoded Token", regexp.MustCompile(`(?i)(token|auth[_-]?token)\s*[:=]\s*["']([a-zA-Z0-9]{20,})["']`), SeverityHigh, "hardcoded-secret"},
	{"hardcoded AWS Key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), SeverityHigh, "hardcoded-secret"},
	{"embedded Private Key", regexp.MustCompile(`-----BEGIN (RSA |EC )?PRIVATE KEY-----`), SeverityHigh, "hardcoded-secret"},
	{"path traversal", regexp.MustCompile(`\.\./`), SeverityMedium, "path-traversal"},
	{"write to system directory", regexp.MustCompile(`(?i)(write_?file|io\.open|os\.create).*(/etc/|/usr/|/sys/|C:\\Windows)`), SeverityHigh, "suspicious-file-operation"},
	{"shell command execution", regexp.MustCompile(`(?i)(sh\s+-c|bash\s+-c|cmd\.exe)`), SeverityHigh, "shell"},
	{"unsafe deserialization", regexp.MustCompile(`(pickle|marshal)\.loads?\s*\(`), SeverityHigh, "deserialization"},
	{"gob decoding", regexp.MustCompile(`gob\.NewDecoder\s*\(`), SeverityMedium, "deserialization"},
}

var executableExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bat": true, ".sh": true,
}

var textExtensions = map[string]bool{
	".lua": true, ".go": true, ".py": true, ".js": true, ".json": true, ".yaml": true,
	".yml": true, ".toml": true, ".tmpl": true, ".tpl": true, ".tf": true, ".txt": true,
}

// ValidatorOptions configures the security validator
type ValidatorOptions struct {
	// Strict rejects a package on any finding
	Strict         bool
	MaxFileSize    int64
	MaxPackageSize int64
	// AllowedImports are module names exempt from import findings
	AllowedImports []string
}

// ValidationResult collects the findings of one validation run
type ValidationResult struct {
	Manifest     *Manifest
	Violations   []SecurityViolation
	FilesScanned int
	Duration     time.Duration
}

// HasSeverity reports whether any finding has severity s
func (r *ValidationResult) HasSeverity(s Severity) bool {
	for _, v := range r.Violations {
		if v.Severity == s {
			return true
		}
	}
	return false
}

// Count returns the number of findings per severity
func (r *ValidationResult) Count() map[Severity]int {
	counts := make(map[Severity]int)
	for _, v := range r.Violations {
		counts[v.Severity]++
	}
	return counts
}

// Validator performs security validation of plugin packages and instances
type Validator struct {
	opts    ValidatorOptions
	allowed map[string]bool
	logger  *logrus.Logger
}

// NewValidator creates a new plugin validator
func NewValidator(opts ValidatorOptions, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.MaxPackageSize <= 0 {
		opts.MaxPackageSize = defaultMaxPackageSize
	}

	allowed := make(map[string]bool, len(opts.AllowedImports))
	for _, imp := range opts.AllowedImports {
		allowed[imp] = true
	}

	return &Validator{opts: opts, allowed: allowed, logger: logger}
}

// ValidateManifest checks manifest fields for correctness and safety
func (v *Validator) ValidateManifest(manifest *Manifest) []SecurityViolation {
	var violations []SecurityViolation
	add := func(severity Severity, msg string) {
		violations = append(violations, SecurityViolation{
			Severity: severity,
			Category: "manifest",
			Message:  msg,
			File:     manifest.Source,
		})
	}

	if !IsValidPluginName(manifest.Name) {
		add(SeverityHigh, fmt.Sprintf("Invalid plugin name: %s. Must start with a letter and contain only alphanumeric, underscore and dash characters", manifest.Name))
	}
	if !IsValidSemver(manifest.Version) {
		add(SeverityMedium, fmt.Sprintf("Invalid version format: %s. Should follow semantic versioning", manifest.Version))
	}
	if !classNameRegex.MatchString(manifest.MainClass) {
		add(SeverityHigh, fmt.Sprintf("Invalid main class name: %s", manifest.MainClass))
	}
	for _, perm := range manifest.Permissions {
		switch {
		case SensitivePermissions[perm]:
			add(SeverityMedium, fmt.Sprintf("Plugin requests dangerous permission: %s", perm))
		case !KnownPermissions[perm]:
			add(SeverityLow, fmt.Sprintf("Plugin requests unknown permission: %s", perm))
		}
	}
	for _, dep := range manifest.Dependencies {
		if !dependencyRegex.MatchString(strings.TrimSpace(dep)) {
			add(SeverityMedium, fmt.Sprintf("Invalid dependency format: %s", dep))
		}
	}

	return violations
}

// ValidatePackage validates a plugin directory or archive before installation.
// A rejected package returns the result together with the deciding
// *SecurityViolation.
func (v *Validator) ValidatePackage(ctx context.Context, source string) (*ValidationResult, error) {
	start := time.Now()
	v.logger.Infof("Validating plugin package: %s", source)

	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plugin package: %w", err)
	}

	result := &ValidationResult{}
	root := source

	if !info.IsDir() {
		if info.Size() > v.opts.MaxPackageSize {
			violation := SecurityViolation{
				Severity: SeverityCritical,
				Category: "package",
				Message:  fmt.Sprintf("Package exceeds maximum size of %d bytes", v.opts.MaxPackageSize),
				File:     source,
			}
			result.Violations = append(result.Violations, violation)
			return result, &violation
		}

		manifest, err := ReadArchiveManifest(source)
		if err != nil {
			violation := SecurityViolation{Severity: SeverityCritical, Category: "package", Message: err.Error(), File: source}
			result.Violations = append(result.Violations, violation)
			return result, &violation
		}
		result.Manifest = manifest

		tmpDir, err := os.MkdirTemp("", "cloudcraver-validate-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		if err := archive.Extract(ctx, source, tmpDir, archive.Options{MaxSize: v.opts.MaxPackageSize}); err != nil {
			violation := SecurityViolation{Severity: SeverityCritical, Category: "package", Message: fmt.Sprintf("Failed to extract package: %v", err), File: source}
			result.Violations = append(result.Violations, violation)
			return result, &violation
		}
		root = tmpDir
	} else {
		manifest, err := LoadManifestFromDir(source)
		if err != nil {
			violation := SecurityViolation{Severity: SeverityCritical, Category: "package", Message: err.Error(), File: source}
			result.Violations = append(result.Violations, violation)
			return result, &violation
		}
		result.Manifest = manifest
	}

	result.Violations = append(result.Violations, v.ValidateManifest(result.Manifest)...)

	scanned, violations, err := v.ScanDirectory(ctx, root)
	if err != nil {
		return nil, err
	}
	result.FilesScanned = scanned
	result.Violations = append(result.Violations, violations...)
	result.Duration = time.Since(start)

	if err := v.decide(result.Manifest.Name, result.Violations); err != nil {
		return result, err
	}

	v.logger.Infof("Plugin package validation passed for %s in %v (%d file(s), %d finding(s))",
		result.Manifest.Name, result.Duration, scanned, len(result.Violations))
	return result, nil
}

// decide rejects on a critical finding, or on any finding in strict mode
func (v *Validator) decide(plugin string, violations []SecurityViolation) error {
	for i := range violations {
		if violations[i].Severity == SeverityCritical {
			v.logger.WithField("plugin", plugin).Errorf("Critical security violation: %s", &violations[i])
			return &violations[i]
		}
	}
	if v.opts.Strict && len(violations) > 0 {
		v.logger.WithField("plugin", plugin).Errorf("Validation failed in strict mode: %s", &violations[0])
		return &violations[0]
	}
	for i := range violations {
		v.logger.WithField("plugin", plugin).Warnf("Security warning: %s", &violations[i])
	}
	return nil
}

// ScanDirectory runs the static code pass over every file under root
func (v *Validator) ScanDirectory(ctx context.Context, root string) (int, []SecurityViolation, error) {
	var violations []SecurityViolation
	scanned := 0

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		ext := strings.ToLower(filepath.Ext(path))

		if executableExtensions[ext] {
			violations = append(violations, SecurityViolation{
				Severity: SeverityHigh,
				Category: "executable",
				Message:  fmt.Sprintf("Suspicious executable file: %s", entry.Name()),
				File:     relPath,
			})
		}
		if !textExtensions[ext] {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > v.opts.MaxFileSize {
			violations = append(violations, SecurityViolation{
				Severity: SeverityMedium,
				Category: "size",
				Message:  fmt.Sprintf("File %s exceeds maximum size limit", entry.Name()),
				File:     relPath,
			})
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		scanned++
		violations = append(violations, v.ScanSource(relPath, content)...)
		return nil
	})
	if err != nil {
		return scanned, nil, fmt.Errorf("failed to walk plugin directory: %w", err)
	}

	return scanned, violations, nil
}

// ScanSource analyzes one source file. Lua and Go are parsed; every text
// source also goes through the pattern pass.
func (v *Validator) ScanSource(name string, content []byte) []SecurityViolation {
	var violations []SecurityViolation

	switch strings.ToLower(filepath.Ext(name)) {
	case ".lua":
		violations = append(violations, v.scanLua(name, content)...)
	case ".go":
		violations = append(violations, v.scanGo(name, content)...)
	}

	return append(violations, scanPatterns(name, content)...)
}

func (v *Validator) scanLua(name string, content []byte) []SecurityViolation {
	chunk, err := parse.Parse(bytes.NewReader(content), name)
	if err != nil {
		return []SecurityViolation{{
			Severity: SeverityHigh,
			Category: "syntax",
			Message:  fmt.Sprintf("Syntax error in Lua file: %v", err),
			File:     name,
			Line:     luaErrorLine(err),
		}}
	}

	w := &luaWalker{validator: v, file: name}
	w.stmts(chunk)
	return w.violations
}

func luaErrorLine(err error) int {
	if perr, ok := err.(*parse.Error); ok {
		return perr.Pos.Line
	}
	return 0
}

func (v *Validator) scanGo(name string, content []byte) []SecurityViolation {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, content, 0)

	var violations []SecurityViolation
	if err != nil {
		line := 0
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			line = list[0].Pos.Line
		}
		violations = append(violations, SecurityViolation{
			Severity: SeverityHigh,
			Category: "syntax",
			Message:  fmt.Sprintf("Syntax error in Go file: %v", err),
			File:     name,
			Line:     line,
		})
	}
	if file != nil {
		violations = append(violations, v.goImports(fset, name, file.Imports)...)
	}
	return violations
}

func (v *Validator) goImports(fset *token.FileSet, name string, imports []*goast.ImportSpec) []SecurityViolation {
	var violations []SecurityViolation
	for _, imp := range imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || v.allowed[path] {
			continue
		}
		if severity, ok := goImportRules[path]; ok {
			violations = append(violations, SecurityViolation{
				Severity: severity,
				Category: "dangerous-import",
				Message:  fmt.Sprintf("Dangerous import: %s", path),
				File:     name,
				Line:     fset.Position(imp.Pos()).Line,
			})
		}
	}
	return violations
}

func scanPatterns(name string, content []byte) []SecurityViolation {
	var violations []SecurityViolation

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		for _, p := range sourcePatterns {
			if p.pattern.MatchString(line) {
				violations = append(violations, SecurityViolation{
					Severity: p.severity,
					Category: p.category,
					Message:  fmt.Sprintf("Potential %s detected", p.name),
					File:     name,
					Line:     lineNo,
				})
			}
		}
	}

	return violations
}

// luaWalker visits a Lua chunk and records dangerous calls and requires
type luaWalker struct {
	validator  *Validator
	file       string
	violations []SecurityViolation
}

func (w *luaWalker) report(severity Severity, line int, msg string) {
	w.violations = append(w.violations, SecurityViolation{
		Severity: severity,
		Category: "dangerous-call",
		Message:  msg,
		File:     w.file,
		Line:     line,
	})
}

func (w *luaWalker) stmts(stmts []ast.Stmt) {
	for _, stmt := range stmts {
		w.stmt(stmt)
	}
}

func (w *luaWalker) stmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		w.exprs(s.Lhs)
		w.exprs(s.Rhs)
	case *ast.LocalAssignStmt:
		w.exprs(s.Exprs)
	case *ast.FuncCallStmt:
		w.expr(s.Expr)
	case *ast.DoBlockStmt:
		w.stmts(s.Stmts)
	case *ast.WhileStmt:
		w.expr(s.Condition)
		w.stmts(s.Stmts)
	case *ast.RepeatStmt:
		w.stmts(s.Stmts)
		w.expr(s.Condition)
	case *ast.IfStmt:
		w.expr(s.Condition)
		w.stmts(s.Then)
		w.stmts(s.Else)
	case *ast.NumberForStmt:
		w.expr(s.Init)
		w.expr(s.Limit)
		w.expr(s.Step)
		w.stmts(s.Stmts)
	case *ast.GenericForStmt:
		w.exprs(s.Exprs)
		w.stmts(s.Stmts)
	case *ast.FuncDefStmt:
		if s.Func != nil {
			w.stmts(s.Func.Stmts)
		}
	case *ast.ReturnStmt:
		w.exprs(s.Exprs)
	}
}

func (w *luaWalker) exprs(exprs []ast.Expr) {
	for _, e := range exprs {
		w.expr(e)
	}
}

func (w *luaWalker) expr(expr ast.Expr) {
	if expr == nil {
		return
	}

	switch e := expr.(type) {
	case *ast.FuncCallExpr:
		w.call(e)
		w.expr(e.Func)
		w.expr(e.Receiver)
		w.exprs(e.Args)
	case *ast.AttrGetExpr:
		if name, ok := dottedName(e); ok {
			w.reference(name, e.Line())
		} else if isGlobalTable(e.Object) {
			w.report(SeverityMedium, e.Line(), "Dynamic global table lookup")
		}
		w.expr(e.Object)
		w.expr(e.Key)
	case *ast.FunctionExpr:
		w.stmts(e.Stmts)
	case *ast.TableExpr:
		for _, field := range e.Fields {
			w.expr(field.Key)
			w.expr(field.Value)
		}
	case *ast.LogicalOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.RelationalOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.StringConcatOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		w.expr(e.Lhs)
		w.expr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		w.expr(e.Expr)
	case *ast.UnaryNotOpExpr:
		w.expr(e.Expr)
	case *ast.UnaryLenOpExpr:
		w.expr(e.Expr)
	}
}

// call checks require() and calls of bare dangerous globals
func (w *luaWalker) call(e *ast.FuncCallExpr) {
	ident, ok := e.Func.(*ast.IdentExpr)
	if !ok {
		return
	}

	if ident.Value == "require" {
		if len(e.Args) == 0 {
			return
		}
		module, ok := e.Args[0].(*ast.StringExpr)
		if !ok {
			w.report(SeverityMedium, e.Line(), "Dynamic require with non-literal module name")
			return
		}
		w.require(module.Value, e.Line())
		return
	}

	if severity, ok := luaCallRules[ident.Value]; ok {
		w.report(severity, e.Line(), fmt.Sprintf("Dangerous function call: %s", ident.Value))
	}
	// rawget(_G, "load") and rawget(os, "execute") name the global they fetch
	if ident.Value == "rawget" && len(e.Args) >= 2 {
		key, ok := e.Args[1].(*ast.StringExpr)
		if !ok {
			return
		}
		switch obj := e.Args[0].(type) {
		case *ast.IdentExpr:
			w.reference(obj.Value+"."+key.Value, e.Line())
		case *ast.AttrGetExpr:
			if prefix, ok := dottedName(obj); ok {
				w.reference(prefix+"."+key.Value, e.Line())
			}
		}
	}
}

func (w *luaWalker) require(module string, line int) {
	if w.validator.allowed[module] {
		return
	}
	base := strings.SplitN(module, ".", 2)[0]
	if severity, ok := luaModuleRules[base]; ok {
		w.report(severity, line, fmt.Sprintf("Dangerous import: %s", module))
	}
}

// reference checks dotted names such as os.execute, whether called or aliased
func (w *luaWalker) reference(name string, line int) {
	name = globalName(name)
	if severity, ok := luaCallRules[name]; ok {
		w.report(severity, line, fmt.Sprintf("Dangerous function call: %s", name))
		return
	}
	if strings.HasPrefix(name, "debug.") {
		w.report(SeverityHigh, line, fmt.Sprintf("Debug library access: %s", name))
	}
}

// globalName drops _G qualifiers, so _G.os.execute names os.execute
func globalName(name string) string {
	for strings.HasPrefix(name, "_G.") {
		name = name[len("_G."):]
	}
	return name
}

func isGlobalTable(e ast.Expr) bool {
	ident, ok := e.(*ast.IdentExpr)
	return ok && ident.Value == "_G"
}

// dottedName renders a.b.c chains whose keys are string constants. Index
// expressions with constant keys (_G["dofile"]) render the same way.
func dottedName(e *ast.AttrGetExpr) (string, bool) {
	key, ok := e.Key.(*ast.StringExpr)
	if !ok {
		return "", false
	}
	switch obj := e.Object.(type) {
	case *ast.IdentExpr:
		return obj.Value + "." + key.Value, true
	case *ast.AttrGetExpr:
		prefix, ok := dottedName(obj)
		if !ok {
			return "", false
		}
		return prefix + "." + key.Value, true
	}
	return "", false
}

// ValidateInstance runs the runtime pass over a loaded plugin: required
// operations for its type and required configuration properties
func (v *Validator) ValidateInstance(p *Plugin) (*ValidationResult, error) {
	start := time.Now()
	result := &ValidationResult{Manifest: p.Manifest}

	for _, op := range RequiredOperations(p.Manifest.Type) {
		if !HasOperation(p.Instance, op) {
			result.Violations = append(result.Violations, SecurityViolation{
				Severity: SeverityCritical,
				Category: "interface",
				Message:  fmt.Sprintf("%s plugin missing required method: %s", p.Manifest.Type, op),
			})
		}
	}

	for _, prop := range requiredConfigProperties(p.Manifest.ConfigSchema) {
		if _, ok := p.Config[prop]; !ok {
			result.Violations = append(result.Violations, SecurityViolation{
				Severity: SeverityMedium,
				Category: "config",
				Message:  fmt.Sprintf("Required configuration property missing: %s", prop),
			})
		}
	}

	result.Duration = time.Since(start)
	if err := v.decide(p.Name(), result.Violations); err != nil {
		return result, err
	}
	v.logger.Debugf("Plugin %s validation passed", p.Name())
	return result, nil
}

var lifecycleOperations = []string{"initialize", "activate", "deactivate", "cleanup"}

// RequiredOperations lists the operations a plugin of the given type must provide
func RequiredOperations(t PluginType) []string {
	ops := append([]string(nil), lifecycleOperations...)
	switch t {
	case PluginTypeTemplate:
		ops = append(ops, "get_template_class", "get_supported_providers")
	case PluginTypeProvider:
		ops = append(ops, "get_provider_name", "get_template_class", "validate_credentials")
	case PluginTypeValidator:
		ops = append(ops, "validate")
	case PluginTypeHook:
		ops = append(ops, "get_hook_points")
	}
	return ops
}

// HasOperation reports whether inst provides op, asking the instance
// directly when its operation set is dynamic
func HasOperation(inst Instance, op string) bool {
	if inst == nil {
		return false
	}
	if in, ok := inst.(Introspector); ok {
		return in.HasOperation(op)
	}

	switch op {
	case "initialize", "activate", "deactivate", "cleanup":
		return true
	case "get_template_class":
		_, ok := inst.(interface {
			TemplateClass() (TemplateFactory, error)
		})
		return ok
	case "get_supported_providers":
		_, ok := inst.(interface{ SupportedProviders() []string })
		return ok
	case "get_provider_name":
		_, ok := inst.(interface{ ProviderName() string })
		return ok
	case "validate_credentials":
		_, ok := inst.(interface {
			ValidateCredentials(context.Context, map[string]string) (bool, error)
		})
		return ok
	case "validate":
		_, ok := inst.(ValidatorPlugin)
		return ok
	case "get_hook_points":
		_, ok := inst.(HookPlugin)
		return ok
	}
	return false
}

// requiredConfigProperties accepts both a top-level "required" list and
// per-property "required": true flags
func requiredConfigProperties(schema map[string]any) []string {
	if len(schema) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	switch required := schema["required"].(type) {
	case []any:
		for _, r := range required {
			if s, ok := r.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range required {
			add(s)
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for name, def := range props {
			if d, ok := def.(map[string]any); ok {
				if req, _ := d["required"].(bool); req {
					add(name)
				}
			}
		}
	}

	return out
}

// FileHash returns the hex SHA-256 of a file for integrity checks
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsValidPluginName reports whether name is an acceptable plugin name
func IsValidPluginName(name string) bool {
	return pluginNameRegex.MatchString(name)
}
