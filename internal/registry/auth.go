package registry

import (
	"errors"
	"fmt"
)

// AuthType names the populated variant of an AuthDescriptor.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
)

// Placement is where an api_key value is injected.
type Placement string

const (
	PlacementHeader Placement = "header"
	PlacementQuery  Placement = "query"
)

// APIKeyAuth injects a named key as a header or query parameter.
type APIKeyAuth struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Placement Placement `json:"placement,omitempty"`
}

// BearerAuth sends Authorization: Bearer <token>.
type BearerAuth struct {
	Token string `json:"token"`
}

// BasicAuth sends HTTP basic credentials.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OAuth2Auth either carries a static access token or client credentials
// exchanged at TokenURL.
type OAuth2Auth struct {
	AccessToken  string   `json:"accessToken,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// AuthDescriptor is a tagged variant: exactly one of the variant pointers is
// populated and Type names it.
type AuthDescriptor struct {
	Type   AuthType    `json:"type"`
	APIKey *APIKeyAuth `json:"apiKey,omitempty"`
	Bearer *BearerAuth `json:"bearer,omitempty"`
	Basic  *BasicAuth  `json:"basic,omitempty"`
	OAuth2 *OAuth2Auth `json:"oauth2,omitempty"`
}

var (
	ErrAuthVariant      = errors.New("auth descriptor must populate exactly one variant")
	ErrAuthTypeInvalid  = errors.New("auth type must be one of: api_key, bearer, basic, oauth2")
	ErrAuthTypeMismatch = errors.New("auth type does not match the populated variant")
	ErrPlacementInvalid = errors.New("api_key placement must be one of: header, query")
)

// populated returns the type of the single populated variant.
func (d *AuthDescriptor) populated() (AuthType, error) {
	var types []AuthType
	if d.APIKey != nil {
		types = append(types, AuthAPIKey)
	}
	if d.Bearer != nil {
		types = append(types, AuthBearer)
	}
	if d.Basic != nil {
		types = append(types, AuthBasic)
	}
	if d.OAuth2 != nil {
		types = append(types, AuthOAuth2)
	}
	if len(types) != 1 {
		return "", ErrAuthVariant
	}
	return types[0], nil
}

// Normalize fills Type from the populated variant and defaults the api_key
// placement to header. It returns the same errors as Validate.
func (d *AuthDescriptor) Normalize() error {
	t, err := d.populated()
	if err != nil {
		return err
	}
	if d.Type == "" {
		d.Type = t
	}
	if d.APIKey != nil && d.APIKey.Placement == "" {
		d.APIKey.Placement = PlacementHeader
	}
	return d.Validate()
}

// Validate checks the structural invariants of the descriptor. Credential
// presence is checked by the invoker, which reports configuration errors.
func (d *AuthDescriptor) Validate() error {
	t, err := d.populated()
	if err != nil {
		return err
	}
	switch d.Type {
	case AuthAPIKey, AuthBearer, AuthBasic, AuthOAuth2:
	default:
		return ErrAuthTypeInvalid
	}
	if d.Type != t {
		return fmt.Errorf("%w: type %q, populated %q", ErrAuthTypeMismatch, d.Type, t)
	}
	if d.APIKey != nil {
		switch d.APIKey.Placement {
		case PlacementHeader, PlacementQuery, "":
		default:
			return ErrPlacementInvalid
		}
	}
	return nil
}

// KeyPlacement returns the effective api_key placement.
func (a *APIKeyAuth) KeyPlacement() Placement {
	if a.Placement == "" {
		return PlacementHeader
	}
	return a.Placement
}

const redactedValue = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// Redacted returns a deep copy with every secret value masked.
func (d *AuthDescriptor) Redacted() *AuthDescriptor {
	cp := &AuthDescriptor{Type: d.Type}
	if d.APIKey != nil {
		k := *d.APIKey
		k.Value = mask(k.Value)
		cp.APIKey = &k
	}
	if d.Bearer != nil {
		cp.Bearer = &BearerAuth{Token: mask(d.Bearer.Token)}
	}
	if d.Basic != nil {
		cp.Basic = &BasicAuth{Username: d.Basic.Username, Password: mask(d.Basic.Password)}
	}
	if d.OAuth2 != nil {
		o := *d.OAuth2
		o.AccessToken = mask(o.AccessToken)
		o.ClientSecret = mask(o.ClientSecret)
		o.Scopes = append([]string(nil), d.OAuth2.Scopes...)
		cp.OAuth2 = &o
	}
	return cp
}
