package web

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// vapidKeysFromFile loads a PEM-encoded P-256 private key and re-encodes it
// as the raw URL-safe base64 pair webpush-go signs VAPID headers with: the
// 32-byte private scalar and the 65-byte uncompressed public point.
func vapidKeysFromFile(path string) (privateKey, publicKey string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	key, err := parseECPrivateKey(raw)
	if err != nil {
		return "", "", err
	}
	if key.Curve != elliptic.P256() {
		return "", "", fmt.Errorf("vapid requires a P-256 key, not %s", key.Curve.Params().Name)
	}
	ecdhKey, err := key.ECDH()
	if err != nil {
		return "", "", fmt.Errorf("converting vapid key: %w", err)
	}
	privateKey = base64.RawURLEncoding.EncodeToString(ecdhKey.Bytes())
	publicKey = base64.RawURLEncoding.EncodeToString(ecdhKey.PublicKey().Bytes())
	return privateKey, publicKey, nil
}

// parseECPrivateKey accepts both the SEC 1 "EC PRIVATE KEY" form and the
// PKCS#8 "PRIVATE KEY" form, skipping unrelated PEM blocks such as a bundled
// public key or certificate.
func parseECPrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			return nil, errors.New("no EC private key found in PEM data")
		}
		switch block.Type {
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			ec, ok := key.(*ecdsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("expected an EC private key, got %T", key)
			}
			return ec, nil
		}
	}
}
