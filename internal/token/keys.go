// Package token mints and verifies the signed tokens issued by the service.
// Signing keys are explicit, persisted records loaded at startup; rotation
// retires the active key while keeping it available for verification.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/repository"
)

const (
	signingAlgorithm = string(jose.RS256)
	rsaKeyBits       = 2048
)

// KeyManager owns the signing key lifecycle.
type KeyManager struct {
	repo repository.KeyRepository
	node *snowflake.Node

	mu     sync.RWMutex
	active domain.SigningKey
	signer *rsa.PrivateKey
}

// NewKeyManager constructs a KeyManager. Call Load before first use.
func NewKeyManager(repo repository.KeyRepository, node *snowflake.Node) *KeyManager {
	return &KeyManager{repo: repo, node: node}
}

// Load fetches the active signing key, creating the initial one if the store
// is empty. Meant to run once at startup so signing never lazily generates
// key material on a request path.
func (m *KeyManager) Load(ctx context.Context) error {
	key, err := m.repo.GetActive(ctx)
	if err != nil {
		key, err = m.createKey(ctx)
		if err != nil {
			return err
		}
	}
	return m.install(key)
}

// Rotate retires the active key and installs a fresh one. The retired key is
// kept in the store for verification until its tokens age out.
func (m *KeyManager) Rotate(ctx context.Context) error {
	m.mu.RLock()
	currentKID := m.active.KID
	m.mu.RUnlock()

	if currentKID != "" {
		if err := m.repo.Retire(ctx, currentKID); err != nil {
			return fmt.Errorf("retire key %s: %w", currentKID, err)
		}
	}
	key, err := m.createKey(ctx)
	if err != nil {
		return err
	}
	return m.install(key)
}

// Active returns the current signing key and its parsed private key.
func (m *KeyManager) Active() (domain.SigningKey, *rsa.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.signer == nil {
		return domain.SigningKey{}, nil, fmt.Errorf("token: key manager not loaded")
	}
	return m.active, m.signer, nil
}

// VerificationKeys returns the public keys for every key still accepted for
// verification, indexed by kid.
func (m *KeyManager) VerificationKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	keys, err := m.repo.ListVerification(ctx)
	if err != nil {
		return nil, fmt.Errorf("list verification keys: %w", err)
	}
	out := make(map[string]*rsa.PublicKey, len(keys))
	for _, k := range keys {
		priv, err := parsePrivatePEM(k.PrivatePEM)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", k.KID, err)
		}
		out[k.KID] = &priv.PublicKey
	}
	return out, nil
}

// JWKS publishes the public key set.
func (m *KeyManager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	pubs, err := m.VerificationKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for kid, pub := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			KeyID:     kid,
			Use:       "sig",
			Algorithm: signingAlgorithm,
			Key:       pub,
		})
	}
	return set, nil
}

func (m *KeyManager) createKey(ctx context.Context) (domain.SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("marshal signing key: %w", err)
	}
	key := domain.SigningKey{
		ID:         m.node.Generate().Int64(),
		KID:        uuid.NewString(),
		Algorithm:  signingAlgorithm,
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		Active:     true,
	}
	created, err := m.repo.Create(ctx, key)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}
	return created, nil
}

func (m *KeyManager) install(key domain.SigningKey) error {
	priv, err := parsePrivatePEM(key.PrivatePEM)
	if err != nil {
		return fmt.Errorf("install key %s: %w", key.KID, err)
	}
	m.mu.Lock()
	m.active = key
	m.signer = priv
	m.mu.Unlock()
	return nil
}

func parsePrivatePEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return priv, nil
}
