// Package credentials attaches a node's authentication to outbound requests.
// Credential values come from the invocation params first and fall back to
// the static credentials of the node config.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"nodegate/internal/config"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
)

const (
	defaultEmailHeader = "X-Auth-Email"
	defaultKeyHeader   = "X-Auth-Key"
)

// Injector applies one node's AuthConfig. It caches OAuth2 token sources
// per credential set so access tokens are refreshed only when they expire.
// Thread-safe.
type Injector struct {
	auth   config.AuthConfig
	client *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// New creates an injector. client is used for token endpoint calls; nil
// means a client with a 10s timeout.
func New(auth config.AuthConfig, client *http.Client) *Injector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Injector{
		auth:    auth,
		client:  client,
		sources: map[string]oauth2.TokenSource{},
	}
}

// Params lists the parameter names consumed as credentials.
func (i *Injector) Params() []string {
	return i.auth.Params()
}

// Apply sets the authentication headers on req. A required credential that
// is missing or blank yields *nodeerr.AuthError before anything is sent.
func (i *Injector) Apply(req *http.Request, p params.Map) error {
	a := i.auth
	switch a.Type {
	case "", config.AuthNone:
		return nil

	case config.AuthBasic:
		user, err := i.credential(p, a.UserParam)
		if err != nil {
			return err
		}
		key, err := i.credential(p, a.KeyParam)
		if err != nil {
			return err
		}
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + key))
		req.Header.Set("Authorization", "Basic "+cred)

	case config.AuthBearer:
		token, err := i.credential(p, a.TokenParam)
		if err != nil {
			return err
		}
		header := a.HeaderName
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, "Bearer "+token)

	case config.AuthLegacy:
		email, err := i.credential(p, a.EmailParam)
		if err != nil {
			return err
		}
		key, err := i.credential(p, a.KeyParam)
		if err != nil {
			return err
		}
		emailHeader := a.EmailHeader
		if emailHeader == "" {
			emailHeader = defaultEmailHeader
		}
		keyHeader := a.KeyHeader
		if keyHeader == "" {
			keyHeader = defaultKeyHeader
		}
		req.Header.Set(emailHeader, email)
		req.Header.Set(keyHeader, key)

	case config.AuthAPIKey:
		key, err := i.credential(p, a.KeyParam)
		if err != nil {
			return err
		}
		req.Header.Set(a.HeaderName, key)

	case config.AuthOAuth2Refresh:
		token, err := i.accessToken(req.Context(), p)
		if err != nil {
			return err
		}
		token.SetAuthHeader(req)

	default:
		return &nodeerr.AuthError{Scheme: a.Type, Err: fmt.Errorf("unsupported authentication type")}
	}
	return nil
}

// Check verifies that every credential the scheme needs can be resolved,
// without building a request or contacting a token endpoint.
func (i *Injector) Check(p params.Map) error {
	a := i.auth
	var names []string
	switch a.Type {
	case "", config.AuthNone:
		return nil
	case config.AuthBasic:
		names = []string{a.UserParam, a.KeyParam}
	case config.AuthBearer:
		names = []string{a.TokenParam}
	case config.AuthLegacy:
		names = []string{a.EmailParam, a.KeyParam}
	case config.AuthAPIKey:
		names = []string{a.KeyParam}
	case config.AuthOAuth2Refresh:
		names = []string{a.ClientIDParam, a.RefreshTokenParam}
	default:
		return &nodeerr.AuthError{Scheme: a.Type, Err: fmt.Errorf("unsupported authentication type")}
	}
	for _, name := range names {
		if _, err := i.credential(p, name); err != nil {
			return err
		}
	}
	return nil
}

func (i *Injector) credential(p params.Map, name string) (string, error) {
	if v, ok := p.Lookup(name); ok && !v.IsEmpty() {
		return v.Text(), nil
	}
	if v := i.auth.Credentials[name]; v != "" {
		return v, nil
	}
	return "", &nodeerr.AuthError{Scheme: i.auth.Type, Param: name}
}

func (i *Injector) optionalCredential(p params.Map, name string) string {
	if name == "" {
		return ""
	}
	v, _ := i.credential(p, name)
	return v
}

func (i *Injector) accessToken(ctx context.Context, p params.Map) (*oauth2.Token, error) {
	a := i.auth
	clientID, err := i.credential(p, a.ClientIDParam)
	if err != nil {
		return nil, err
	}
	refresh, err := i.credential(p, a.RefreshTokenParam)
	if err != nil {
		return nil, err
	}
	secret := i.optionalCredential(p, a.ClientSecretParam)

	src := i.tokenSource(clientID, secret, refresh)
	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, &nodeerr.AuthError{Scheme: a.Type, Param: a.RefreshTokenParam, Err: r.err}
		}
		return r.tok, nil
	}
}

// tokenSource returns the cached source for a credential set. Sources
// outlive single requests, so they are bound to a background context
// carrying the injector's HTTP client.
func (i *Injector) tokenSource(clientID, secret, refresh string) oauth2.TokenSource {
	sum := sha256.Sum256([]byte(clientID + "\x00" + secret + "\x00" + refresh))
	key := hex.EncodeToString(sum[:])

	i.mu.Lock()
	defer i.mu.Unlock()
	if src, ok := i.sources[key]; ok {
		return src
	}
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  i.auth.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, i.client)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	i.sources[key] = src
	return src
}
