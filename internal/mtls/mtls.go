// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mtls provides TLS and mTLS configuration for the token submission
// service and its clients.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	ErrMissingCertOrKey       = errors.New("root ca set without certificate or key")
	ErrNoValidRootCertificate = errors.New("no valid root certificate")
	ErrMissingCertificate     = errors.New("missing certificate")
	ErrMissingKey             = errors.New("missing key")
)

// Files holds the paths to PEM encoded TLS material. Empty paths are
// not used.
type Files struct {
	// CA is the root certificate authority used to verify peers.
	CA   string
	Cert string
	Key  string
}

// IsZero returns whether no TLS material is configured.
func (f Files) IsZero() bool {
	return f == Files{}
}

// ServerConfig returns a TLS configuration for a service. If f.CA is set,
// clients must present a certificate signed by the CA. If f is zero, a nil
// config is returned.
func ServerConfig(f Files) (*tls.Config, error) {
	root, cert, key, err := f.read()
	if err != nil {
		return nil, err
	}
	if len(root) != 0 && (len(cert) == 0 || len(key) == 0) {
		return nil, ErrMissingCertOrKey
	}
	if len(root) == 0 && len(cert) == 0 && len(key) == 0 {
		return nil, nil
	}
	if len(cert) == 0 {
		return nil, ErrMissingCertificate
	}
	return newConfig(true, root, cert, key)
}

// ClientConfig returns a TLS configuration for a client. A client may
// verify the service with f.CA without presenting its own certificate.
// If f is zero, a nil config is returned.
func ClientConfig(f Files) (*tls.Config, error) {
	root, cert, key, err := f.read()
	if err != nil {
		return nil, err
	}
	if len(root) == 0 && len(cert) == 0 && len(key) == 0 {
		return nil, nil
	}
	return newConfig(false, root, cert, key)
}

func (f Files) read() (root, cert, key []byte, err error) {
	for _, file := range []struct {
		path string
		dst  *[]byte
	}{
		{path: f.CA, dst: &root},
		{path: f.Cert, dst: &cert},
		{path: f.Key, dst: &key},
	} {
		if file.path == "" {
			continue
		}
		*file.dst, err = os.ReadFile(file.path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("tls: %w", err)
		}
	}
	return root, cert, key, nil
}

func newConfig(server bool, rootPEM, certPEMBlock, keyPEMBlock []byte) (*tls.Config, error) {
	tlsConfig := tls.Config{MinVersion: tls.VersionTLS12}
	if len(rootPEM) != 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootPEM) {
			return nil, ErrNoValidRootCertificate
		}
		if server {
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.RootCAs = pool
		}
	}
	if len(certPEMBlock) != 0 || len(keyPEMBlock) != 0 {
		if len(certPEMBlock) == 0 {
			return nil, ErrMissingCertificate
		}
		if len(keyPEMBlock) == 0 {
			return nil, ErrMissingKey
		}
		cert, err := tls.X509KeyPair(certPEMBlock, keyPEMBlock)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return &tlsConfig, nil
}
