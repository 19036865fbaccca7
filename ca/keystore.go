package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// ErrInvalidKey is returned when the CA signing key cannot be parsed.
var ErrInvalidKey = errors.New("invalid CA signing key")

// KeyStore holds the CA signing key sealed in a memguard enclave. The key
// material only exists in plaintext inside a locked buffer for the duration
// of a single signing operation.
type KeyStore struct {
	enclave *memguard.Enclave
}

// NewKeyStoreFromPEM seals a PEM-encoded PKCS#8 private key. The input slice
// is not wiped; callers holding long-lived key material should prefer
// loading it directly into this store and dropping their copy.
func NewKeyStoreFromPEM(pemBytes []byte) (*KeyStore, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	if _, err := parseSigner(block.Bytes); err != nil {
		return nil, err
	}
	return &KeyStore{enclave: memguard.NewEnclave(block.Bytes)}, nil
}

func parseSigner(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T cannot sign", ErrInvalidKey, key)
	}
	return signer, nil
}

// Sign opens the enclave, hands the parsed signer to fn, and destroys the
// plaintext buffer before returning.
func (k *KeyStore) Sign(fn func(crypto.Signer) error) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	signer, err := parseSigner(buf.Bytes())
	if err != nil {
		return err
	}
	return fn(signer)
}

// Public returns the signing key's public half.
func (k *KeyStore) Public() (crypto.PublicKey, error) {
	var pub crypto.PublicKey
	err := k.Sign(func(s crypto.Signer) error {
		pub = s.Public()
		return nil
	})
	return pub, err
}

// NewSelfSigned generates an ephemeral ECDSA P-256 CA for development
// deployments that do not supply their own issuing certificate.
func NewSelfSigned(template *x509.Certificate) (*x509.Certificate, *KeyStore, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return cert, &KeyStore{enclave: memguard.NewEnclave(keyDER)}, nil
}
