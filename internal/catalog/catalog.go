// Package catalog holds the declarative operation tables of nodes. A table
// names each operation's HTTP method, endpoint template, parameters and
// validation rules; tables are checked once when registered and read-only
// afterwards.
package catalog

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"nodegate/internal/config"
	"nodegate/internal/params"
)

// Body encodings.
const (
	EncodingJSON = "json"
	EncodingForm = "form"
)

// WhenExists is the when_value that matches any non-null value.
const WhenExists = "exists"

var pathParamRE = regexp.MustCompile(`\{([^}]+)\}`)

// OperationSpec describes one operation of a node.
type OperationSpec struct {
	Name                  string            `json:"name" yaml:"-"`
	Description           string            `json:"description,omitempty" yaml:"description,omitempty"`
	Method                string            `json:"method" yaml:"method"`
	Endpoint              string            `json:"endpoint" yaml:"endpoint"`
	RequiredParams        []string          `json:"required_params,omitempty" yaml:"required_params,omitempty"`
	OptionalParams        []string          `json:"optional_params,omitempty" yaml:"optional_params,omitempty"`
	BodyParameters        []string          `json:"body_parameters,omitempty" yaml:"body_parameters,omitempty"`
	BodyEncoding          string            `json:"body_encoding,omitempty" yaml:"body_encoding,omitempty"`
	BodyRoot              string            `json:"body_root,omitempty" yaml:"body_root,omitempty"`
	ValidationRules       map[string]*Rule  `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	ParameterDependencies []*Dependency     `json:"parameter_dependencies,omitempty" yaml:"parameter_dependencies,omitempty"`
	RateLimitCost         int               `json:"rate_limit_cost,omitempty" yaml:"rate_limit_cost,omitempty"`
	CacheTTL              float64           `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	ResponsePath          string            `json:"response_path,omitempty" yaml:"response_path,omitempty"`
	Headers               map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RequiredEnvKeys       []string          `json:"required_env_keys,omitempty" yaml:"required_env_keys,omitempty"`
	OptionalEnvKeys       []string          `json:"optional_env_keys,omitempty" yaml:"optional_env_keys,omitempty"`

	declared    map[string]bool
	conditional map[string]bool
	body        map[string]bool
}

// Rule constrains the value of one parameter. The first failing check
// reports Message verbatim when set.
type Rule struct {
	Pattern            string         `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Format             string         `json:"format,omitempty" yaml:"format,omitempty"`
	Type               string         `json:"type,omitempty" yaml:"type,omitempty"`
	Min                *float64       `json:"min,omitempty" yaml:"min,omitempty"`
	Max                *float64       `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength          *int           `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength          *int           `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	RequiredProperties []string       `json:"required_properties,omitempty" yaml:"required_properties,omitempty"`
	Enum               []params.Value `json:"enum,omitempty" yaml:"enum,omitempty"`
	Schema             map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Message            string         `json:"message,omitempty" yaml:"message,omitempty"`

	pattern *regexp.Regexp
	schema  *jsonschema.Schema
}

// Dependency makes parameters conditionally required or allowed. An empty
// WhenField applies unconditionally.
type Dependency struct {
	WhenField         string        `json:"when_field,omitempty" yaml:"when_field,omitempty"`
	WhenValue         *params.Value `json:"when_value,omitempty" yaml:"when_value,omitempty"`
	ThenRequire       []string      `json:"then_require,omitempty" yaml:"then_require,omitempty"`
	ThenOptional      []string      `json:"then_optional,omitempty" yaml:"then_optional,omitempty"`
	RequireOneOf      []string      `json:"require_one_of,omitempty" yaml:"require_one_of,omitempty"`
	MutuallyExclusive []string      `json:"mutually_exclusive,omitempty" yaml:"mutually_exclusive,omitempty"`
	Message           string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// Catalog is a named set of operations plus the vendor's default node config.
type Catalog struct {
	Name        string                    `json:"name" yaml:"name"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Config      config.NodeConfig         `json:"config,omitempty" yaml:"config,omitempty"`
	Operations  map[string]*OperationSpec `json:"operations" yaml:"operations"`
}

// Operation looks up an operation by name.
func (c *Catalog) Operation(name string) (*OperationSpec, bool) {
	op, ok := c.Operations[name]
	return op, ok
}

// Names returns the sorted operation names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Operations))
	for n := range c.Operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sorted returns the operations ordered by name.
func (c *Catalog) Sorted() []*OperationSpec {
	out := make([]*OperationSpec, 0, len(c.Operations))
	for _, n := range c.Names() {
		out = append(out, c.Operations[n])
	}
	return out
}

// Register checks every operation and prepares compiled rules. It must run
// before a catalog is used for dispatch.
func (c *Catalog) Register() error {
	if len(c.Operations) == 0 {
		return fmt.Errorf("catalog %s: no operations", c.Name)
	}
	for _, name := range c.Names() {
		op := c.Operations[name]
		if op == nil {
			return fmt.Errorf("catalog %s: operation %s is empty", c.Name, name)
		}
		op.Name = name
		if err := op.register(); err != nil {
			return fmt.Errorf("catalog %s: operation %s: %w", c.Name, name, err)
		}
	}
	return nil
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

var knownFormats = map[string]bool{
	"email": true, "uuid": true, "date": true, "date_time": true, "url": true, "hex_id": true,
}

var knownTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true, "object": true, "array": true,
}

func (op *OperationSpec) register() error {
	op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
	if !knownMethods[op.Method] {
		return fmt.Errorf("unknown method %q", op.Method)
	}
	if op.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	switch op.BodyEncoding {
	case "":
		op.BodyEncoding = EncodingJSON
	case EncodingJSON, EncodingForm:
	default:
		return fmt.Errorf("body_encoding must be json or form, got %q", op.BodyEncoding)
	}
	if op.RateLimitCost < 0 {
		return fmt.Errorf("rate_limit_cost must be >= 0")
	}
	if op.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must be >= 0")
	}

	op.declared = map[string]bool{}
	required := map[string]bool{}
	for _, p := range op.RequiredParams {
		if p == params.OperationKey {
			return fmt.Errorf("%q is reserved", p)
		}
		op.declared[p] = true
		required[p] = true
	}
	for _, p := range op.OptionalParams {
		if p == params.OperationKey {
			return fmt.Errorf("%q is reserved", p)
		}
		op.declared[p] = true
	}
	op.conditional = map[string]bool{}
	for _, d := range op.ParameterDependencies {
		if d == nil {
			continue
		}
		for _, p := range d.ThenOptional {
			if !op.declared[p] {
				op.conditional[p] = true
			}
		}
	}
	for p := range op.conditional {
		op.declared[p] = true
	}

	for _, ph := range op.Placeholders() {
		if !required[ph] {
			return fmt.Errorf("path placeholder {%s} must be a required param", ph)
		}
	}

	op.body = map[string]bool{}
	for _, p := range op.BodyParameters {
		if !op.declared[p] {
			return fmt.Errorf("body parameter %s is not declared", p)
		}
		op.body[p] = true
	}
	if op.BodyRoot != "" && !op.body[op.BodyRoot] {
		return fmt.Errorf("body_root %s must be a body parameter", op.BodyRoot)
	}

	for name, rule := range op.ValidationRules {
		if !op.declared[name] {
			return fmt.Errorf("validation rule for undeclared param %s", name)
		}
		if rule == nil {
			return fmt.Errorf("validation rule for %s is empty", name)
		}
		if err := rule.compile(name); err != nil {
			return err
		}
	}

	for i, d := range op.ParameterDependencies {
		if d == nil {
			return fmt.Errorf("parameter_dependencies[%d] is empty", i)
		}
		refs := []string{}
		if d.WhenField != "" {
			refs = append(refs, d.WhenField)
		}
		refs = append(refs, d.ThenRequire...)
		refs = append(refs, d.RequireOneOf...)
		refs = append(refs, d.MutuallyExclusive...)
		for _, r := range refs {
			if !op.declared[r] {
				return fmt.Errorf("parameter_dependencies[%d] references undeclared param %s", i, r)
			}
		}
		if d.WhenField == "" && len(d.ThenRequire) > 0 {
			return fmt.Errorf("parameter_dependencies[%d]: then_require needs when_field", i)
		}
	}
	return nil
}

func (r *Rule) compile(param string) error {
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("validation rule %s: invalid pattern: %w", param, err)
		}
		r.pattern = re
	}
	if r.Format != "" && !knownFormats[r.Format] {
		return fmt.Errorf("validation rule %s: unknown format %q", param, r.Format)
	}
	if r.Type != "" && !knownTypes[r.Type] {
		return fmt.Errorf("validation rule %s: unknown type %q", param, r.Type)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("validation rule %s: min > max", param)
	}
	if len(r.Schema) > 0 {
		s, err := compileSchema(r.Schema)
		if err != nil {
			return fmt.Errorf("validation rule %s: schema: %w", param, err)
		}
		r.schema = s
	}
	return nil
}

// CompiledPattern returns the compiled pattern, nil when none is set.
func (r *Rule) CompiledPattern() *regexp.Regexp { return r.pattern }

// CompiledSchema returns the compiled JSON schema, nil when none is set.
func (r *Rule) CompiledSchema() *jsonschema.Schema { return r.schema }

// Placeholders returns the {name} segments of the endpoint template in order.
func (op *OperationSpec) Placeholders() []string {
	matches := pathParamRE.FindAllStringSubmatch(op.Endpoint, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Declares reports whether name is a required, optional or dependency-optional param.
func (op *OperationSpec) Declares(name string) bool { return op.declared[name] }

// Conditional reports whether name is allowed only when a dependency's
// then_optional brings it in.
func (op *OperationSpec) Conditional(name string) bool { return op.conditional[name] }

// HasDeclaredParams reports whether the operation declares any param at all.
func (op *OperationSpec) HasDeclaredParams() bool { return len(op.declared) > 0 }

// InBody reports whether name is sent in the request body.
func (op *OperationSpec) InBody(name string) bool { return op.body[name] }

// Matches reports whether the dependency's condition holds for p.
func (d *Dependency) Matches(p params.Map) bool {
	if d.WhenField == "" {
		return true
	}
	v, ok := p.Lookup(d.WhenField)
	if !ok || v.IsNull() {
		return false
	}
	if d.WhenValue == nil || d.WhenValue.IsNull() {
		return true
	}
	if s, ok := d.WhenValue.Str(); ok && s == WhenExists {
		return true
	}
	if d.WhenValue.Equal(v) {
		return true
	}
	// Loose match so "10" in config matches 10 in params and vice versa.
	return d.WhenValue.Kind() != params.Object && d.WhenValue.Kind() != params.Array && d.WhenValue.Text() == v.Text()
}
