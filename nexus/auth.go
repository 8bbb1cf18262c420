package nexus

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Credentials identify a user against the deployment's token endpoint.
type Credentials struct {
	TokenURL string
	ClientID string
	Username string
	Password string
	// Token, when set, is used as-is and the password grant is skipped.
	Token string
}

// TokenSource returns a token source for the credentials. The password
// grant runs once here so that authentication failures surface at setup.
func (cr Credentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if cr.Token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cr.Token, TokenType: "Bearer"}), nil
	}
	if cr.Username == "" || cr.Password == "" {
		return nil, fmt.Errorf("authenticate: username and password are required")
	}
	if cr.TokenURL == "" {
		return nil, fmt.Errorf("authenticate: token URL is required")
	}
	cfg := &oauth2.Config{
		ClientID: cr.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cr.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	tok, err := cfg.PasswordCredentialsToken(ctx, cr.Username, cr.Password)
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", cr.Username, err)
	}
	return cfg.TokenSource(ctx, tok), nil
}
