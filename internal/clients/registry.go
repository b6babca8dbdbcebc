// Package clients holds the registered-application catalog and the redirect
// URI policy. The registry is built once at startup and passed by reference
// into the issuer; there is no ambient global lookup.
package clients

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/password"
)

// RedirectPurpose selects which registered URI set a target is checked against.
type RedirectPurpose int

const (
	PurposeLogin RedirectPurpose = iota
	PurposePostLogout
)

// Registry is an immutable catalog of registered clients.
type Registry struct {
	byID map[string]domain.Client

	// devClientID is the single public client allowed the localhost
	// relaxation. Empty in production builds.
	devClientID string
}

// Options tune registry construction.
type Options struct {
	// DevClientID enables the localhost redirect relaxation for one public
	// client. Must be left empty when Production is true.
	DevClientID string
	Production  bool
}

// NewRegistry builds the catalog from a list of client records.
func NewRegistry(list []domain.Client, opts Options) (*Registry, error) {
	byID := make(map[string]domain.Client, len(list))
	for _, c := range list {
		if strings.TrimSpace(c.ClientID) == "" {
			return nil, fmt.Errorf("clients: record with empty client_id")
		}
		if _, dup := byID[c.ClientID]; dup {
			return nil, fmt.Errorf("clients: duplicate client_id %q", c.ClientID)
		}
		if !c.Public && c.SecretHash == "" {
			return nil, fmt.Errorf("clients: confidential client %q has no secret hash", c.ClientID)
		}
		byID[c.ClientID] = c
	}

	devID := opts.DevClientID
	if opts.Production {
		// the relaxation is compile/config-gated off in production
		devID = ""
	}
	if devID != "" {
		c, ok := byID[devID]
		if !ok {
			return nil, fmt.Errorf("clients: dev client %q not in catalog", devID)
		}
		if !c.Public {
			return nil, fmt.Errorf("clients: dev client %q must be public", devID)
		}
	}
	return &Registry{byID: byID, devClientID: devID}, nil
}

// LoadRegistry reads the JSON catalog file and builds the registry.
func LoadRegistry(path string, opts Options) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client catalog: %w", err)
	}
	var list []domain.Client
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode client catalog: %w", err)
	}
	return NewRegistry(list, opts)
}

// Lookup returns the active client record for id.
func (r *Registry) Lookup(id string) (domain.Client, error) {
	c, ok := r.byID[id]
	if !ok || !c.Active {
		return domain.Client{}, domain.Protocol(domain.ErrCodeInvalidClient, "unknown client")
	}
	return c, nil
}

// Authenticate verifies a confidential client's secret. Public clients carry
// no secret and always pass.
func (r *Registry) Authenticate(id, secret string) (domain.Client, error) {
	c, err := r.Lookup(id)
	if err != nil {
		return domain.Client{}, err
	}
	if c.Public {
		return c, nil
	}
	ok, err := password.Verify(secret, c.SecretHash)
	if err != nil || !ok {
		return domain.Client{}, domain.Protocol(domain.ErrCodeInvalidClient, "client authentication failed")
	}
	return c, nil
}

// ValidateRedirect checks a redirect target for the given purpose. The default
// rule is an exact match against the registered set; the designated dev public
// client may additionally use any localhost origin with path /callback
// (login) or / (post-logout) to tolerate a dynamically assigned port.
func (r *Registry) ValidateRedirect(clientID, uri string, purpose RedirectPurpose) error {
	c, err := r.Lookup(clientID)
	if err != nil {
		return err
	}

	registered := c.RedirectURIs
	if purpose == PurposePostLogout {
		registered = c.PostLogoutRedirectURIs
	}
	for _, allowed := range registered {
		if allowed == uri {
			return nil
		}
	}

	if clientID == r.devClientID && r.devClientID != "" && isDevLoopback(uri, purpose) {
		return nil
	}

	return domain.Protocol(domain.ErrCodeInvalidRedirectURI, "redirect_uri is not registered for this client")
}

func isDevLoopback(raw string, purpose RedirectPurpose) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Fragment != "" || u.RawQuery != "" || u.User != nil {
		return false
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return false
		}
	}
	wantPath := "/callback"
	if purpose == PurposePostLogout {
		wantPath = "/"
	}
	return u.Path == wantPath
}
