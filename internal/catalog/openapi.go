package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/getkin/kin-openapi/openapi3"

	"nodegate/internal/params"
)

// FromOpenAPI builds a catalog from an OpenAPI 3 document. Path and query
// parameters become required/optional params, JSON or form request body
// properties become body parameters, and parameter schemas become
// validation rules. The first server URL becomes the default base_url.
func FromOpenAPI(ctx context.Context, raw []byte, name string) (*Catalog, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("load openapi: %w", err)
	}
	// Validate but don't fail hard: plenty of real-world documents have
	// minor issues (arrays without items, bad examples) and are still usable.
	_ = doc.Validate(ctx,
		openapi3.DisableExamplesValidation(),
		openapi3.DisableSchemaDefaultsValidation(),
	)

	c := &Catalog{
		Name:       name,
		Operations: map[string]*OperationSpec{},
	}
	if doc.Info != nil {
		c.Description = strings.TrimSpace(doc.Info.Title)
	}
	if len(doc.Servers) > 0 {
		c.Config.BaseURL = strings.TrimRight(doc.Servers[0].URL, "/")
	}

	pathKeys := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, p := range pathKeys {
		item := doc.Paths.Find(p)
		if item == nil {
			continue
		}
		ops := collectOperations(item)
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, m := range methods {
			spec := buildOperation(p, m, item, ops[m])
			if _, dup := c.Operations[spec.Name]; dup {
				spec.Name = normalizeOperationID(m, p)
			}
			c.Operations[spec.Name] = spec
		}
	}

	if err := c.Register(); err != nil {
		return nil, err
	}
	return c, nil
}

func collectOperations(item *openapi3.PathItem) map[string]*openapi3.Operation {
	ops := map[string]*openapi3.Operation{}
	if item.Get != nil {
		ops["GET"] = item.Get
	}
	if item.Put != nil {
		ops["PUT"] = item.Put
	}
	if item.Post != nil {
		ops["POST"] = item.Post
	}
	if item.Delete != nil {
		ops["DELETE"] = item.Delete
	}
	if item.Patch != nil {
		ops["PATCH"] = item.Patch
	}
	if item.Head != nil {
		ops["HEAD"] = item.Head
	}
	if item.Options != nil {
		ops["OPTIONS"] = item.Options
	}
	return ops
}

func buildOperation(path, method string, item *openapi3.PathItem, op *openapi3.Operation) *OperationSpec {
	name := snakeCase(op.OperationID)
	if name == "" {
		name = normalizeOperationID(method, path)
	}
	spec := &OperationSpec{
		Name:            name,
		Description:     strings.TrimSpace(op.Summary),
		Method:          method,
		Endpoint:        path,
		ValidationRules: map[string]*Rule{},
	}

	required := map[string]bool{}
	optional := map[string]bool{}
	for _, ref := range append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...) {
		if ref == nil || ref.Value == nil {
			continue
		}
		p := ref.Value
		if p.In != openapi3.ParameterInPath && p.In != openapi3.ParameterInQuery {
			continue
		}
		if isAuthParam(p.Name) {
			continue
		}
		if p.Required || p.In == openapi3.ParameterInPath {
			required[p.Name] = true
		} else {
			optional[p.Name] = true
		}
		if rule := ruleFromSchema(schemaToMap(p.Schema)); rule != nil {
			spec.ValidationRules[p.Name] = rule
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		body := op.RequestBody.Value
		media := body.Content.Get("application/json")
		if media == nil {
			if media = body.Content.Get("application/x-www-form-urlencoded"); media != nil {
				spec.BodyEncoding = EncodingForm
			}
		}
		if media != nil {
			schema := schemaToMap(media.Schema)
			props, _ := schema["properties"].(map[string]any)
			bodyRequired := map[string]bool{}
			if body.Required {
				for _, r := range stringList(schema["required"]) {
					bodyRequired[r] = true
				}
			}
			for prop, raw := range props {
				if required[prop] || optional[prop] {
					continue
				}
				if bodyRequired[prop] {
					required[prop] = true
				} else {
					optional[prop] = true
				}
				spec.BodyParameters = append(spec.BodyParameters, prop)
				if m, ok := raw.(map[string]any); ok {
					if rule := ruleFromSchema(m); rule != nil {
						spec.ValidationRules[prop] = rule
					}
				}
			}
			sort.Strings(spec.BodyParameters)
		}
	}

	// Templates sometimes name placeholders the parameter list forgets.
	for _, ph := range spec.Placeholders() {
		required[ph] = true
		delete(optional, ph)
	}

	spec.RequiredParams = sortedKeys(required)
	spec.OptionalParams = sortedKeys(optional)
	if len(spec.ValidationRules) == 0 {
		spec.ValidationRules = nil
	}
	return spec
}

// ruleFromSchema keeps the parts of a JSON schema the request validator
// understands. Returns nil when nothing is left.
func ruleFromSchema(s map[string]any) *Rule {
	r := &Rule{}
	set := false
	if t, ok := s["type"].(string); ok && knownTypes[t] {
		r.Type = t
		set = true
	}
	if p, ok := s["pattern"].(string); ok {
		r.Pattern = p
		set = true
	}
	switch s["format"] {
	case "email":
		r.Format = "email"
	case "uuid":
		r.Format = "uuid"
	case "date":
		r.Format = "date"
	case "date-time":
		r.Format = "date_time"
	case "uri", "url":
		r.Format = "url"
	}
	if r.Format != "" {
		set = true
	}
	if v, ok := s["minimum"].(float64); ok {
		r.Min = &v
		set = true
	}
	if v, ok := s["maximum"].(float64); ok {
		r.Max = &v
		set = true
	}
	if v, ok := s["minLength"].(float64); ok {
		n := int(v)
		r.MinLength = &n
		set = true
	}
	if v, ok := s["maxLength"].(float64); ok {
		n := int(v)
		r.MaxLength = &n
		set = true
	}
	if enum, ok := s["enum"].([]any); ok && len(enum) > 0 {
		for _, e := range enum {
			v, err := params.FromAny(e)
			if err != nil {
				continue
			}
			r.Enum = append(r.Enum, v)
		}
		set = len(r.Enum) > 0 || set
	}
	if r.Type == "object" {
		if req := stringList(s["required"]); len(req) > 0 {
			r.RequiredProperties = req
			set = true
		}
	}
	if !set {
		return nil
	}
	return r
}

func isAuthParam(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "token", "api_key", "apikey", "access_token", "oauth_token":
		return true
	}
	return false
}

func schemaToMap(ref *openapi3.SchemaRef) map[string]any {
	if ref == nil || ref.Value == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(ref.Value)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func normalizeOperationID(method, path string) string {
	clean := strings.ToLower(method + "_" + path)
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "{", "")
	clean = strings.ReplaceAll(clean, "}", "")
	clean = strings.ReplaceAll(clean, "-", "_")
	clean = strings.ReplaceAll(clean, ".", "_")
	for strings.Contains(clean, "__") {
		clean = strings.ReplaceAll(clean, "__", "_")
	}
	return strings.Trim(clean, "_")
}

// snakeCase turns operationIds like "getZoneDetails" or "get-zone" into "get_zone_details".
func snakeCase(id string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(id))
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ' ' || r == '/':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
