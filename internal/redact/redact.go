// Package redact scrubs credential values from log lines and audit records.
package redact

import (
	"sort"
	"strings"
	"sync"
)

const placeholder = "[REDACTED]"

// minSecretLen keeps trivially short values ("1", "ok") from shredding logs.
const minSecretLen = 4

// Redactor replaces configured secrets in strings. It is safe for concurrent
// use; Set swaps the secret list when node configs are reloaded.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Set(secrets)
	return r
}

// Set replaces the secret list.
func (r *Redactor) Set(secrets []string) {
	next := normalize(secrets)
	r.mu.Lock()
	r.secrets = next
	r.mu.Unlock()
}

// AddSecrets extends the secret list.
func (r *Redactor) AddSecrets(secrets []string) {
	r.mu.Lock()
	r.secrets = normalize(append(append([]string{}, r.secrets...), secrets...))
	r.mu.Unlock()
}

// normalize drops short and duplicate values and orders longest first so a
// secret containing another is replaced whole.
func normalize(secrets []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if len(s) < minSecretLen || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (r *Redactor) Redact(input string) string {
	if r == nil {
		return input
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := input
	for _, secret := range r.secrets {
		out = strings.ReplaceAll(out, secret, placeholder)
	}
	return out
}

// Error redacts an error message; nil yields "".
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
