// keys загружает RSA-ключ подписи из защищённого хранилища и публикует
// его открытую часть в виде JWKS.
//
// Пара ключей загружается один раз при старте и неизменна до конца жизни
// процесса, поэтому KeyPair разделяется между горутинами без блокировок.
package keys

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// Algorithm — алгоритм подписи access-токенов.
const Algorithm = "RS256"

// minKeyBits — минимальная длина RSA-модуля.
const minKeyBits = 2048

var (
	// ErrKeyStoreUnavailable — хранилище ключа недоступно или его содержимое
	// не удалось разобрать. Фатально при старте.
	ErrKeyStoreUnavailable = errors.New("key store unavailable")

	// ErrUnsupportedKey — в хранилище лежит не RSA-ключ или ключ слишком короткий.
	ErrUnsupportedKey = errors.New("unsupported key")
)

// KeyPair — процессный RSA-ключ подписи.
type KeyPair struct {
	private *rsa.PrivateKey
	kid     string
	set     KeySet
	pem     string
}

// NewKeyPair оборачивает RSA-ключ. Пустой kid заменяется отпечатком
// base64url(sha256(PKIX DER)) открытого ключа.
func NewKeyPair(priv *rsa.PrivateKey, kid string) (*KeyPair, error) {
	const op = "keys.NewKeyPair"

	if priv == nil {
		return nil, fmt.Errorf("%s: %w: nil key", op, ErrUnsupportedKey)
	}

	if priv.N.BitLen() < minKeyBits {
		return nil, fmt.Errorf("%s: %w: %d-bit modulus", op, ErrUnsupportedKey, priv.N.BitLen())
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if kid == "" {
		sum := sha256.Sum256(der)
		kid = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	return &KeyPair{
		private: priv,
		kid:     kid,
		set:     KeySet{Keys: []JWK{newJWK(&priv.PublicKey, kid)}},
		pem:     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}, nil
}

// Private возвращает закрытый ключ для подписи.
func (k *KeyPair) Private() *rsa.PrivateKey { return k.private }

// Public возвращает открытый ключ для проверки подписи.
func (k *KeyPair) Public() *rsa.PublicKey { return &k.private.PublicKey }

// KID — идентификатор ключа (заголовок kid и поле JWKS).
func (k *KeyPair) KID() string { return k.kid }

// KeySet возвращает копию JWKS с открытой частью ключа.
func (k *KeyPair) KeySet() KeySet { return k.set.clone() }

// PublicPEM — открытый ключ в PEM (SubjectPublicKeyInfo).
func (k *KeyPair) PublicPEM() string { return k.pem }

// Parse разбирает содержимое хранилища: PEM (PKCS#1/PKCS#8) или PKCS#12
// под паролем passphrase.
func Parse(data []byte, passphrase, kid string) (*KeyPair, error) {
	const op = "keys.Parse"

	var (
		priv *rsa.PrivateKey
		err  error
	)

	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		priv, err = parsePEM(data)
	} else {
		priv, err = parsePKCS12(data, passphrase)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return NewKeyPair(priv, kid)
}

func parsePEM(data []byte) (*rsa.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key in PEM", ErrUnsupportedKey)
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}

			key, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%w: private key is not RSA", ErrUnsupportedKey)
			}

			return key, nil
		}
	}
}

func parsePKCS12(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	parsed, _, err := pkcs12.Decode(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("pkcs12: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrUnsupportedKey)
	}

	return key, nil
}
