// Package storekit looks up App Store transactions for ledger orders through
// the App Store Server API.
package storekit

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Audience is the fixed audience of App Store Server API tokens.
	Audience = "appstoreconnect-v1"

	// DefaultTokenTTL stays well under the 60 minute maximum Apple accepts.
	DefaultTokenTTL = 20 * time.Minute

	refreshMargin = time.Minute
)

var ErrMissingCredentials = errors.New("storekit credentials incomplete")

// Credentials identify the in-app purchase key used to sign requests.
type Credentials struct {
	KeyID      string
	IssuerID   string
	BundleID   string
	PrivateKey *ecdsa.PrivateKey
}

// Validate reports which credential fields are missing.
func (c Credentials) Validate() error {
	var missing []error
	if c.KeyID == "" {
		missing = append(missing, errors.New("key id"))
	}
	if c.IssuerID == "" {
		missing = append(missing, errors.New("issuer id"))
	}
	if c.BundleID == "" {
		missing = append(missing, errors.New("bundle id"))
	}
	if c.PrivateKey == nil {
		missing = append(missing, errors.New("private key"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w", ErrMissingCredentials, errors.Join(missing...))
	}
	return nil
}

// LoadPrivateKey reads a .p8 key file downloaded from App Store Connect.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

type claims struct {
	jwt.RegisteredClaims
	BundleID string `json:"bid"`
}

// TokenSource signs ES256 bearer tokens and reuses each one until shortly
// before it expires. Safe for concurrent use.
type TokenSource struct {
	creds Credentials
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source. A non-positive ttl uses DefaultTokenTTL.
func NewTokenSource(creds Credentials, ttl time.Duration) (*TokenSource, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSource{creds: creds, ttl: ttl, now: time.Now}, nil
}

// Token returns a valid bearer token.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if s.token != "" && now.Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.creds.IssuerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Audience:  jwt.ClaimStrings{Audience},
		},
		BundleID: s.creds.BundleID,
	})
	token.Header["kid"] = s.creds.KeyID

	signed, err := token.SignedString(s.creds.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.token, s.expires = signed, expires
	return signed, nil
}
