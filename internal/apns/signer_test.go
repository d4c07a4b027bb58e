// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apns

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestSigner(t *testing.T) {
	key, p := testKey(t)
	s, err := NewSigner(p, "KEYID12345", "TEAMID1234")
	if err != nil {
		t.Fatalf("unexpected error creating signer: %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	s.now = func() time.Time { return now }

	first, err := s.Token()
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	tok, err := jwt.Parse(first, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("failed to verify token: %v", err)
	}
	if kid := tok.Header["kid"]; kid != "KEYID12345" {
		t.Errorf("unexpected kid: got:%v want:KEYID12345", kid)
	}
	claims := tok.Claims.(jwt.MapClaims)
	if iss := claims["iss"]; iss != "TEAMID1234" {
		t.Errorf("unexpected iss: got:%v want:TEAMID1234", iss)
	}
	if iat, _ := claims["iat"].(float64); int64(iat) != start.Unix() {
		t.Errorf("unexpected iat: got:%v want:%d", claims["iat"], start.Unix())
	}

	now = start.Add(TokenLifetime - time.Second)
	cached, err := s.Token()
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if cached != first {
		t.Error("expected cached token to be reused")
	}

	now = start.Add(TokenLifetime)
	renewed, err := s.Token()
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if renewed == first {
		t.Error("expected token to be reissued")
	}
}

func TestNewSignerErrors(t *testing.T) {
	_, p := testKey(t)
	for _, test := range []struct {
		name          string
		key           []byte
		keyID, teamID string
	}{
		{name: "no_key_id", key: p, teamID: "TEAMID1234"},
		{name: "no_team_id", key: p, keyID: "KEYID12345"},
		{name: "bad_key", key: []byte("not a key"), keyID: "KEYID12345", teamID: "TEAMID1234"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewSigner(test.key, test.keyID, test.teamID)
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}
