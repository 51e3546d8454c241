package catalog

import (
	"path/filepath"
	"strings"

	"nodegate/internal/config"
)

// Filter returns a copy of the catalog restricted by a node's operation
// filter. A nil filter keeps every operation.
func (c *Catalog) Filter(filter *config.OperationFilter) *Catalog {
	if filter == nil {
		return c
	}
	mode := strings.ToLower(filter.Mode)
	out := &Catalog{
		Name:        c.Name,
		Description: c.Description,
		Config:      c.Config,
		Operations:  map[string]*OperationSpec{},
	}
	for name, op := range c.Operations {
		matches := operationMatches(op, filter.Operations)

		// Allowlist: keep if matches
		// Blocklist: keep if NOT matches
		keep := (mode == "allowlist" && matches) || (mode == "blocklist" && !matches)
		if keep {
			out.Operations[name] = op
		}
	}
	return out
}

// operationMatches checks if operation matches ANY of the patterns
func operationMatches(op *OperationSpec, patterns []config.OperationPattern) bool {
	for _, pattern := range patterns {
		if patternMatches(op, pattern) {
			return true
		}
	}
	return false
}

// patternMatches checks if a single pattern matches the operation
func patternMatches(op *OperationSpec, pattern config.OperationPattern) bool {
	if pattern.Name != "" && !globMatch(pattern.Name, op.Name) {
		return false
	}
	if pattern.Method != "" {
		methodPattern := strings.ToUpper(pattern.Method)
		if methodPattern != "*" && methodPattern != strings.ToUpper(op.Method) {
			return false
		}
	}
	if pattern.Path != "" && !globMatch(pattern.Path, op.Endpoint) {
		return false
	}
	// All specified fields matched
	return true
}

// globMatch performs glob pattern matching with * and ?
// * matches any sequence of characters except /
// ** matches any sequence including path separators
// ? matches any single character
func globMatch(pattern, str string) bool {
	if strings.Contains(pattern, "**") {
		parts := strings.Split(pattern, "**")
		if len(parts) == 2 {
			// Pattern like "/zones/**" or "**/dns_records"
			if parts[0] != "" && !strings.HasPrefix(str, strings.TrimSuffix(parts[0], "/")) {
				return false
			}
			if parts[1] != "" && !strings.HasSuffix(str, strings.TrimPrefix(parts[1], "/")) {
				return false
			}
			return true
		}
	}

	matched, err := filepath.Match(pattern, str)
	if err != nil {
		// If pattern is invalid, be conservative and don't match
		return false
	}
	return matched
}
