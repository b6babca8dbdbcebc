package domain

// Client describes a registered application. Client records are immutable
// after the registry is built at startup.
type Client struct {
	ClientID               string   `json:"client_id"`
	SecretHash             string   `json:"secret_hash,omitempty"`
	Public                 bool     `json:"public"`
	GrantTypes             []string `json:"grant_types"`
	Scopes                 []string `json:"scopes"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris"`
	RequirePKCE            bool     `json:"require_pkce"`
	Active                 bool     `json:"active"`
}

// AllowsGrant reports whether the client may use the named grant type.
func (c Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every requested scope is registered for the client.
func (c Client) AllowsScope(scopes []string) bool {
	for _, requested := range scopes {
		found := false
		for _, s := range c.Scopes {
			if s == requested {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
