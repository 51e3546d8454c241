package config

import (
	"fmt"
	"os"
)

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *File) ExpandEnv() error {
	for i := range f.Nodes {
		if err := f.Nodes[i].ExpandEnv(); err != nil {
			return fmt.Errorf("nodes[%d].%w", i, err)
		}
	}
	return nil
}

// ExpandEnv resolves ${VAR} references in every string a node may carry
// secrets or locations in.
func (n *NodeConfig) ExpandEnv() error {
	var err error
	if n.BaseURL, err = ExpandEnvStrict(n.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if n.CatalogFile, err = ExpandEnvStrict(n.CatalogFile); err != nil {
		return fmt.Errorf("catalog_file: %w", err)
	}
	if n.OpenAPIFile, err = ExpandEnvStrict(n.OpenAPIFile); err != nil {
		return fmt.Errorf("openapi_file: %w", err)
	}
	for name, value := range n.Headers {
		if n.Headers[name], err = ExpandEnvStrict(value); err != nil {
			return fmt.Errorf("headers.%s: %w", name, err)
		}
	}
	if n.Authentication != nil {
		if n.Authentication.TokenURL, err = ExpandEnvStrict(n.Authentication.TokenURL); err != nil {
			return fmt.Errorf("authentication.token_url: %w", err)
		}
		for name, value := range n.Authentication.Credentials {
			if n.Authentication.Credentials[name], err = ExpandEnvStrict(value); err != nil {
				return fmt.Errorf("authentication.credentials.%s: %w", name, err)
			}
		}
	}
	if n.SQL != nil {
		if n.SQL.DSN, err = ExpandEnvStrict(n.SQL.DSN); err != nil {
			return fmt.Errorf("sql.dsn: %w", err)
		}
	}
	return nil
}
