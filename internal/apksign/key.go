// Package apksign signs overlay APKs with APK Signature Scheme v2 and v3.
//
// JAR (v1) signing is never produced; overlays only target API levels that
// verify the signing block.
package apksign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// KeyPassword is the passphrase of the embedded key store.
const KeyPassword = "overlay"

//go:embed key.p12
var embeddedKeyStore []byte

// ErrUnsupportedKey indicates a private key type the signer cannot use.
var ErrUnsupportedKey = errors.New("unsupported signing key")

// Key is a signing identity.
type Key struct {
	Signer crypto.Signer
	Chain  []*x509.Certificate
}

// LoadKey decodes a PKCS#12 key store.
func LoadKey(data []byte, password string) (*Key, error) {
	priv, cert, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key store: %w", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, priv)
	}
	key := &Key{Signer: signer, Chain: append([]*x509.Certificate{cert}, cas...)}
	if _, err := key.algorithm(); err != nil {
		return nil, err
	}
	return key, nil
}

// EmbeddedKey returns the key shipped with themekit.
func EmbeddedKey() (*Key, error) {
	return LoadKey(embeddedKeyStore, KeyPassword)
}

// algorithm returns the signature algorithm ID for the key.
func (k *Key) algorithm() (uint32, error) {
	switch k.Signer.Public().(type) {
	case *rsa.PublicKey:
		return sigRSAPKCS1SHA256, nil
	case *ecdsa.PublicKey:
		return sigECDSASHA256, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, k.Signer.Public())
	}
}
