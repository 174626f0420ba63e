package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/registry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// minKeyLength is the length below which an API key is logged as suspicious.
const minKeyLength = 8

// checkAuth verifies that a descriptor carries everything needed to
// authenticate. It runs before any header is built.
func checkAuth(toolID string, a *registry.AuthDescriptor) error {
	if a == nil {
		return nil
	}
	if err := a.Validate(); err != nil {
		return apperr.Wrap(apperr.Configuration, err, "invalid auth descriptor").WithFields("auth")
	}

	switch {
	case a.APIKey != nil:
		if a.APIKey.Name == "" {
			return apperr.New(apperr.Configuration, "api_key auth requires a name").WithFields("auth.apiKey.name")
		}
		if a.APIKey.Value == "" {
			return apperr.New(apperr.Configuration, "api_key auth requires a value").WithFields("auth.apiKey.value")
		}
		if len(a.APIKey.Value) < minKeyLength {
			slog.Warn("api key is unusually short", "tool_id", toolID, "length", len(a.APIKey.Value))
		}
	case a.Bearer != nil:
		if a.Bearer.Token == "" {
			return apperr.New(apperr.Configuration, "bearer auth requires a token").WithFields("auth.bearer.token")
		}
	case a.Basic != nil:
		if a.Basic.Username == "" {
			return apperr.New(apperr.Configuration, "basic auth requires a username").WithFields("auth.basic.username")
		}
	case a.OAuth2 != nil:
		o := a.OAuth2
		if o.AccessToken == "" && (o.ClientID == "" || o.ClientSecret == "" || o.TokenURL == "") {
			return apperr.New(apperr.Configuration,
				"oauth2 auth requires an access token or client credentials with a token url").
				WithFields("auth.oauth2")
		}
	}
	return nil
}

// tokenSources caches client-credentials token sources per organization and
// tool so tokens are reused until they expire.
type tokenSources struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
	client  *http.Client
}

func newTokenSources(client *http.Client) *tokenSources {
	return &tokenSources{sources: make(map[string]oauth2.TokenSource), client: client}
}

func (ts *tokenSources) token(ctx context.Context, scope string, o *registry.OAuth2Auth) (string, error) {
	if o.AccessToken != "" {
		return o.AccessToken, nil
	}
	key := scope + "\x00" + o.ClientID + "\x00" + o.TokenURL

	ts.mu.Lock()
	src, ok := ts.sources[key]
	if !ok {
		cfg := clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
		}
		// The token source outlives this request, so it must not capture its
		// context; only the HTTP client is carried over.
		base := context.Background()
		if ts.client != nil {
			base = context.WithValue(base, oauth2.HTTPClient, ts.client)
		}
		src = oauth2.ReuseTokenSource(nil, cfg.TokenSource(base))
		ts.sources[key] = src
	}
	ts.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", apperr.Wrap(apperr.Authentication, err, "fetching oauth2 token")
	}
	return tok.AccessToken, nil
}

// applyAuth injects credentials into req. An api_key with query placement is
// only ever written to the query string and one with header placement only
// to the headers; the opposite location is cleared of the same name.
func (inv *Invoker) applyAuth(ctx context.Context, req *http.Request, tool *registry.ToolDefinition, a *registry.AuthDescriptor) error {
	if a == nil {
		return nil
	}
	switch {
	case a.APIKey != nil:
		k := a.APIKey
		switch k.KeyPlacement() {
		case registry.PlacementQuery:
			req.Header.Del(k.Name)
			q := req.URL.Query()
			q.Set(k.Name, k.Value)
			req.URL.RawQuery = q.Encode()
		default:
			q := req.URL.Query()
			if q.Has(k.Name) {
				slog.Warn("dropping query parameter that shadows the api key header",
					"tool_id", tool.ID,
					"organization_id", tool.OrganizationID,
					"param", k.Name,
				)
				q.Del(k.Name)
				req.URL.RawQuery = q.Encode()
			}
			req.Header.Set(k.Name, k.Value)
		}
	case a.Bearer != nil:
		req.Header.Set("Authorization", "Bearer "+a.Bearer.Token)
	case a.Basic != nil:
		req.SetBasicAuth(a.Basic.Username, a.Basic.Password)
	case a.OAuth2 != nil:
		tok, err := inv.tokens.token(ctx, toolScope(tool), a.OAuth2)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	default:
		return apperr.New(apperr.Configuration, fmt.Sprintf("unsupported auth type %q", a.Type))
	}
	return nil
}

// secretNames lists the header and query names that carry credentials for a,
// so they can be masked in logs and errors even when their names look
// harmless.
func secretNames(a *registry.AuthDescriptor) []string {
	if a == nil {
		return nil
	}
	names := []string{"Authorization"}
	if a.APIKey != nil && strings.TrimSpace(a.APIKey.Name) != "" {
		names = append(names, a.APIKey.Name)
	}
	return names
}
