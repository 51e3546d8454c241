package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"nodegate/internal/catalog"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
)

// Content types set for request bodies.
const (
	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"
)

// Options carries the node-level inputs of Build.
type Options struct {
	BaseURL string
	// Headers are the node's default headers; operation headers override them.
	Headers map[string]string
	// Ignore names params that are never sent (credentials, env params).
	Ignore map[string]bool
}

// Request is a built, validated request. It can be turned into any number of
// *http.Request values, one per attempt.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	ContentType string
}

// Build validates p against op and assembles the request: placeholders are
// substituted into the endpoint, body parameters are encoded into the body
// and every other param goes to the query string.
func Build(op *catalog.OperationSpec, p params.Map, opts Options) (*Request, error) {
	if err := Validate(op, p, opts.Ignore); err != nil {
		return nil, err
	}

	path, err := fillPath(op, p)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	placeholders := map[string]bool{}
	for _, ph := range op.Placeholders() {
		placeholders[ph] = true
	}

	query := u.Query()
	body := map[string]params.Value{}
	var root *params.Value
	for _, name := range p.Names() {
		if name == params.OperationKey || opts.Ignore[name] || placeholders[name] {
			continue
		}
		v := p[name]
		if v.IsNull() {
			continue
		}
		switch {
		case name == op.BodyRoot:
			root = &v
		case op.InBody(name):
			body[name] = v
		default:
			addQuery(query, name, v)
		}
	}
	u.RawQuery = query.Encode()

	req := &Request{
		Method: op.Method,
		URL:    u,
		Header: http.Header{},
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	if root != nil || len(body) > 0 {
		fields, err := mergeBody(op.BodyRoot, root, body)
		if err != nil {
			return nil, err
		}
		switch op.BodyEncoding {
		case catalog.EncodingForm:
			form := url.Values{}
			for _, k := range sortedNames(fields) {
				addForm(form, k, fields[k])
			}
			req.Body = []byte(form.Encode())
			req.ContentType = ContentTypeForm
		default:
			out := make(map[string]any, len(fields))
			for k, v := range fields {
				out[k] = v.Any()
			}
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			req.Body = data
			req.ContentType = ContentTypeJSON
		}
	}
	return req, nil
}

// HTTP creates a fresh *http.Request for one attempt.
func (r *Request) HTTP(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = r.Header.Clone()
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	return req, nil
}

func fillPath(op *catalog.OperationSpec, p params.Map) (string, error) {
	path := op.Endpoint
	for _, name := range op.Placeholders() {
		v, ok := p.Lookup(name)
		if !ok || v.IsNull() {
			return "", fmt.Errorf("missing required path parameter %s", name)
		}
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(v.Text()))
	}
	return path, nil
}

// mergeBody starts from the body_root object, if any, and lays the other
// body params over it.
func mergeBody(rootName string, root *params.Value, body map[string]params.Value) (map[string]params.Value, error) {
	out := map[string]params.Value{}
	if root != nil {
		if root.Kind() != params.Object {
			return nil, nodeerr.Invalid(rootName, "type", "must be an object")
		}
		for _, k := range root.Keys() {
			f, _ := root.Field(k)
			out[k] = f
		}
	}
	for k, v := range body {
		out[k] = v
	}
	return out, nil
}

func addQuery(values url.Values, name string, v params.Value) {
	if v.Kind() == params.Array {
		for _, item := range v.Items() {
			values.Add(name, item.Text())
		}
		return
	}
	values.Add(name, v.Text())
}

// addForm flattens nested values with bracket notation:
// metadata[plan]=pro, items[0][price]=p_1.
func addForm(values url.Values, key string, v params.Value) {
	switch v.Kind() {
	case params.Null:
	case params.Object:
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			addForm(values, key+"["+k+"]", f)
		}
	case params.Array:
		for i, item := range v.Items() {
			addForm(values, fmt.Sprintf("%s[%d]", key, i), item)
		}
	default:
		values.Add(key, v.Text())
	}
}

func sortedNames(m map[string]params.Value) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
