// Package request turns a catalog operation and a parameter set into a
// ready-to-send HTTP request. Validation runs first and never touches the
// network.
package request

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"nodegate/internal/catalog"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
)

var (
	emailRE = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s.]+$`)
	hexIDRE = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// Validate checks p against op: required params, parameter dependencies,
// unknown params and finally validation rules. ignore names params that are
// consumed outside the request (credentials, env params) and are exempt
// from the unknown-param check.
func Validate(op *catalog.OperationSpec, p params.Map, ignore map[string]bool) error {
	for _, name := range op.RequiredParams {
		if !p.Present(name) {
			return nodeerr.Invalid(name, "required", "missing required parameter")
		}
	}
	if err := checkDependencies(op, p); err != nil {
		return err
	}
	if err := checkKnown(op, p, ignore); err != nil {
		return err
	}

	names := make([]string, 0, len(op.ValidationRules))
	for name := range op.ValidationRules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := p.Lookup(name)
		if !ok || v.IsNull() {
			continue
		}
		rule := op.ValidationRules[name]
		if failed, detail := checkRule(rule, v); failed != "" {
			msg := rule.Message
			if msg == "" {
				msg = detail
			}
			return nodeerr.Invalid(name, failed, msg)
		}
	}
	return nil
}

func checkDependencies(op *catalog.OperationSpec, p params.Map) error {
	for _, d := range op.ParameterDependencies {
		if !d.Matches(p) {
			continue
		}
		for _, name := range d.ThenRequire {
			if !p.Present(name) {
				msg := d.Message
				if msg == "" {
					msg = fmt.Sprintf("required when %s is set", d.WhenField)
				}
				return nodeerr.Invalid(name, "then_require", msg)
			}
		}
		if len(d.RequireOneOf) > 0 {
			found := false
			for _, name := range d.RequireOneOf {
				if p.Present(name) {
					found = true
					break
				}
			}
			if !found {
				msg := d.Message
				if msg == "" {
					msg = "one of " + strings.Join(d.RequireOneOf, ", ") + " is required"
				}
				return nodeerr.Invalid("", "require_one_of", msg)
			}
		}
		if len(d.MutuallyExclusive) > 0 {
			var seen []string
			for _, name := range d.MutuallyExclusive {
				if p.Present(name) {
					seen = append(seen, name)
				}
			}
			if len(seen) > 1 {
				msg := d.Message
				if msg == "" {
					msg = strings.Join(seen, " and ") + " cannot be combined"
				}
				return nodeerr.Invalid(seen[1], "mutually_exclusive", msg)
			}
		}
	}
	return nil
}

// checkKnown rejects params the operation does not declare. Operations that
// declare nothing accept anything. Params introduced only through a
// dependency's then_optional are accepted only while that dependency holds.
func checkKnown(op *catalog.OperationSpec, p params.Map, ignore map[string]bool) error {
	if !op.HasDeclaredParams() {
		return nil
	}
	for _, name := range p.Names() {
		if name == params.OperationKey || ignore[name] {
			continue
		}
		if !op.Declares(name) {
			return nodeerr.Invalid(name, "unknown", "unknown parameter")
		}
		if op.Conditional(name) && p.Present(name) && !conditionallyAllowed(op, p, name) {
			return nodeerr.Invalid(name, "then_optional", "parameter is not allowed here")
		}
	}
	return nil
}

func conditionallyAllowed(op *catalog.OperationSpec, p params.Map, name string) bool {
	for _, d := range op.ParameterDependencies {
		if !d.Matches(p) {
			continue
		}
		for _, n := range d.ThenOptional {
			if n == name {
				return true
			}
		}
	}
	return false
}

// checkRule returns the name of the first failed check and a default
// message, or "" when v satisfies the rule.
func checkRule(r *catalog.Rule, v params.Value) (string, string) {
	if r.Type != "" && !typeMatches(r.Type, v) {
		return "type", "must be of type " + r.Type
	}
	if r.Format != "" {
		if !formatMatches(r.Format, v.Text()) {
			return "format", "must be a valid " + strings.ReplaceAll(r.Format, "_", " ")
		}
	}
	if re := r.CompiledPattern(); re != nil && !re.MatchString(v.Text()) {
		return "pattern", "does not match " + r.Pattern
	}
	if r.Min != nil || r.Max != nil {
		n, ok := number(v)
		if !ok {
			return "type", "must be a number"
		}
		if r.Min != nil && n < *r.Min {
			return "min", "must be >= " + strconv.FormatFloat(*r.Min, 'f', -1, 64)
		}
		if r.Max != nil && n > *r.Max {
			return "max", "must be <= " + strconv.FormatFloat(*r.Max, 'f', -1, 64)
		}
	}
	if r.MinLength != nil || r.MaxLength != nil {
		l := length(v)
		if r.MinLength != nil && l < *r.MinLength {
			return "min_length", fmt.Sprintf("length must be >= %d", *r.MinLength)
		}
		if r.MaxLength != nil && l > *r.MaxLength {
			return "max_length", fmt.Sprintf("length must be <= %d", *r.MaxLength)
		}
	}
	if len(r.RequiredProperties) > 0 {
		if v.Kind() != params.Object {
			return "type", "must be an object"
		}
		for _, prop := range r.RequiredProperties {
			f, ok := v.Field(prop)
			if !ok || f.IsNull() {
				return "required_properties", "missing property " + prop
			}
		}
	}
	if len(r.Enum) > 0 && !inEnum(r.Enum, v) {
		texts := make([]string, 0, len(r.Enum))
		for _, e := range r.Enum {
			texts = append(texts, e.Text())
		}
		return "enum", "must be one of " + strings.Join(texts, ", ")
	}
	if s := r.CompiledSchema(); s != nil {
		if err := s.Validate(v.Any()); err != nil {
			return "schema", err.Error()
		}
	}
	return "", ""
}

// typeMatches accepts string renderings of numbers and booleans since
// workflow params often arrive as text.
func typeMatches(typ string, v params.Value) bool {
	switch typ {
	case "string":
		return v.Kind() == params.String
	case "number":
		_, ok := number(v)
		return ok
	case "integer":
		n, ok := number(v)
		return ok && n == math.Trunc(n)
	case "boolean":
		if v.Kind() == params.Bool {
			return true
		}
		s, ok := v.Str()
		return ok && (s == "true" || s == "false")
	case "object":
		return v.Kind() == params.Object
	case "array":
		return v.Kind() == params.Array
	}
	return false
}

func number(v params.Value) (float64, bool) {
	if n, ok := v.Num(); ok {
		return n, true
	}
	if s, ok := v.Str(); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			return n, true
		}
	}
	return 0, false
}

func length(v params.Value) int {
	switch v.Kind() {
	case params.Array:
		return v.Len()
	case params.Object:
		return len(v.Keys())
	default:
		return utf8.RuneCountInString(v.Text())
	}
}

func formatMatches(format, s string) bool {
	switch format {
	case "email":
		return emailRE.MatchString(s)
	case "uuid":
		return uuid.Validate(s) == nil && len(s) == 36
	case "date":
		_, err := time.Parse(time.DateOnly, s)
		return err == nil
	case "date_time":
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	case "url":
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	case "hex_id":
		return hexIDRE.MatchString(s)
	}
	return false
}

func inEnum(enum []params.Value, v params.Value) bool {
	for _, e := range enum {
		if e.Equal(v) {
			return true
		}
		if e.Kind() != params.Object && e.Kind() != params.Array && e.Text() == v.Text() {
			return true
		}
	}
	return false
}
