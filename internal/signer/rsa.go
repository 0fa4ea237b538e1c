package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// RSASignBlob returns a SignBlobFunc backed by a local RSA private key
// (PKCS#1 v1.5 over SHA-256). Remote signing identities implement
// SignBlobFunc directly.
func RSASignBlob(key *rsa.PrivateKey) SignBlobFunc {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		digest := sha256.Sum256(payload)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("rsa sign: %w", err)
		}
		return sig, nil
	}
}

// ParseRSAPrivateKey decodes a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func ParseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}
