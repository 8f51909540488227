package dependencies

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// Operator is a version comparison operator
type Operator string

const (
	OpEQ         Operator = "=="
	OpNE         Operator = "!="
	OpGT         Operator = ">"
	OpGE         Operator = ">="
	OpLT         Operator = "<"
	OpLE         Operator = "<="
	OpCompatible Operator = "~="
)

var (
	specRegex       = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9_-]*)(.*)$`)
	constraintRegex = regexp.MustCompile(`^(>=|<=|==|!=|~=|>|<)?\s*(.+)$`)
)

// Constraint is one operator/version pair
type Constraint struct {
	Op      Operator `json:"op"`
	Version string   `json:"version"`
}

func (c Constraint) String() string {
	return string(c.Op) + c.Version
}

// Satisfies reports whether version meets the constraint
func (c Constraint) Satisfies(version string) bool {
	cmp := CompareVersions(version, c.Version)
	switch c.Op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpCompatible:
		return cmp >= 0 && CompareVersions(version, compatibleUpper(c.Version)) < 0
	}
	return false
}

// compatibleUpper returns the exclusive upper bound of a ~= constraint:
// ~=1.4.2 allows >=1.4.2,<1.5.0 and ~=1.4 allows >=1.4,<2.0
func compatibleUpper(version string) string {
	v, err := plugins.ParseVersion(version)
	if err != nil || len(v.Parts) < 2 {
		return version
	}
	parts := append([]int(nil), v.Parts[:len(v.Parts)-1]...)
	parts[len(parts)-1]++
	return plugins.Version{Parts: parts}.String()
}

// Dependency is a parsed dependency spec
type Dependency struct {
	Name        string       `json:"name"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// Satisfies reports whether version meets every constraint. An empty list
// matches any version.
func (d Dependency) Satisfies(version string) bool {
	for _, c := range d.Constraints {
		if !c.Satisfies(version) {
			return false
		}
	}
	return true
}

func (d Dependency) String() string {
	parts := make([]string, len(d.Constraints))
	for i, c := range d.Constraints {
		parts[i] = c.String()
	}
	return d.Name + strings.Join(parts, ",")
}

// ParseSpec parses specs such as "aws-core", "aws-core>=1.0.0" and
// "aws-core>=1.0.0,<2.0.0". A bare version means ==.
func ParseSpec(spec string) (Dependency, error) {
	m := specRegex.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return Dependency{}, fmt.Errorf("invalid dependency specification: %q", spec)
	}

	dep := Dependency{Name: m[1]}
	for _, raw := range strings.Split(m[2], ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		cm := constraintRegex.FindStringSubmatch(raw)
		if cm == nil {
			return Dependency{}, fmt.Errorf("invalid constraint %q in %q", raw, spec)
		}
		op := Operator(cm[1])
		if op == "" {
			op = OpEQ
		}
		version := strings.TrimSpace(cm[2])
		if _, err := plugins.ParseVersion(version); err != nil {
			return Dependency{}, fmt.Errorf("invalid constraint %q in %q: %w", raw, spec, err)
		}
		dep.Constraints = append(dep.Constraints, Constraint{Op: op, Version: version})
	}
	return dep, nil
}

// ParseSpecs parses every spec of a manifest
func ParseSpecs(specs []string) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(specs))
	for _, spec := range specs {
		dep, err := ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// CompareVersions compares two versions numerically component by component,
// ordering pre-releases before their release. Missing components are zero.
func CompareVersions(a, b string) int {
	return plugins.CompareVersions(a, b)
}
