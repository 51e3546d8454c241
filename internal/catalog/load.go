package catalog

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"nodegate/internal/config"
)

//go:embed tables/*.yaml
var tablesFS embed.FS

//go:embed catalog.schema.json
var catalogSchemaJSON []byte

var catalogSchema = jsonschema.MustCompileString("catalog.schema.json", string(catalogSchemaJSON))

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// Builtin lists the names of the embedded vendor tables.
func Builtin() []string {
	entries, err := tablesFS.ReadDir("tables")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	sort.Strings(names)
	return names
}

// LoadBuiltin parses and registers an embedded vendor table.
func LoadBuiltin(name string) (*Catalog, error) {
	raw, err := tablesFS.ReadFile(path.Join("tables", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown catalog %q", name)
	}
	return Parse(raw, name)
}

// LoadFile parses and registers a table from disk.
func LoadFile(p string) (*Catalog, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	return Parse(raw, name)
}

// Parse validates raw YAML (or JSON) against the catalog schema, decodes it
// and registers it. fallbackName is used when the table has no name field.
func Parse(raw []byte, fallbackName string) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-shaped values.
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := catalogSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("catalog %s does not match schema: %w", fallbackName, err)
	}

	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if c.Name == "" {
		c.Name = fallbackName
	}
	if err := c.Register(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolve loads the operation table a node config points at, applies the
// node's operation filter and returns the catalog along with the node
// config merged over the vendor defaults.
func Resolve(ctx context.Context, n config.NodeConfig) (*Catalog, config.NodeConfig, error) {
	var (
		c   *Catalog
		err error
	)
	switch {
	case n.Catalog != "":
		c, err = LoadBuiltin(n.Catalog)
	case n.CatalogFile != "":
		c, err = LoadFile(n.CatalogFile)
	case n.OpenAPIFile != "":
		var raw []byte
		raw, err = os.ReadFile(n.OpenAPIFile)
		if err != nil {
			return nil, n, fmt.Errorf("read openapi: %w", err)
		}
		c, err = FromOpenAPI(ctx, raw, n.Name)
	default:
		return nil, n, fmt.Errorf("node %s: no operation source", n.Name)
	}
	if err != nil {
		return nil, n, err
	}

	merged := n.Merge(c.Config)
	if n.Filter != nil {
		c = c.Filter(n.Filter)
		if len(c.Operations) == 0 {
			return nil, merged, fmt.Errorf("node %s: filter removed every operation", n.Name)
		}
	}
	return c, merged, nil
}
