// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apns

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLifetime is the age at which a provider token is reissued. The
// gateway rejects tokens older than one hour and tokens refreshed more
// often than every twenty minutes.
const TokenLifetime = 50 * time.Minute

// TokenSource is a source of provider authentication tokens.
type TokenSource interface {
	Token() (string, error)
}

// Signer is a TokenSource that issues ES256 signed provider tokens.
type Signer struct {
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey

	// now is the signer's clock.
	now func() time.Time

	mu     sync.Mutex
	token  string
	issued time.Time
}

// NewSigner returns a Signer using the PEM encoded EC private key with the
// given key and team identifiers.
func NewSigner(key []byte, keyID, teamID string) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("missing key id")
	}
	if teamID == "" {
		return nil, errors.New("missing team id")
	}
	k, err := jwt.ParseECPrivateKeyFromPEM(key)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &Signer{keyID: keyID, teamID: teamID, key: k, now: time.Now}, nil
}

// Token returns a current provider token, issuing a new token if the
// cached token is older than TokenLifetime.
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Sub(s.issued) < TokenLifetime {
		return s.token, nil
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.teamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = s.keyID
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign provider token: %w", err)
	}
	s.token = signed
	s.issued = now
	return signed, nil
}
