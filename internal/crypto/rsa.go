package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"strings"
)

const aesKeyBytes = 16

// PrivateKey holds the components needed for textbook RSA. The mobile
// apps encrypt the per-file AES key with raw modular exponentiation, no
// OAEP or PKCS1 padding, so crypto/rsa cannot be used for the unwrap.
type PrivateKey struct {
	N *big.Int
	D *big.Int
	E *big.Int
}

func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{N: k.N, E: k.E}
}

type PublicKey struct {
	N *big.Int
	E *big.Int
}

// GenerateKey produces a participant keypair. Key material is exchanged
// with the device at registration.
func GenerateKey(bits int) (*PrivateKey, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{
		N: k.N,
		D: k.D,
		E: big.NewInt(int64(k.E)),
	}, nil
}

// DecodeURLSafe decodes url-safe base64, tolerating stripped padding.
// Device uploads routinely drop the trailing '=' characters.
func DecodeURLSafe(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeURLSafe is the inverse of DecodeURLSafe, with padding.
func EncodeURLSafe(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// UnwrapAESKey recovers the 128-bit AES key from the first line of an
// upload: url-safe-base64(RSA(url-safe-base64(key))). The RSA step is
// c^d mod n with leading null bytes stripped.
func UnwrapAESKey(priv *PrivateKey, firstLine []byte) ([]byte, error) {
	if len(firstLine) == 0 {
		return nil, &KeyError{Type: EmptyKey}
	}

	wrapped, err := DecodeURLSafe(string(firstLine))
	if err != nil {
		return nil, &KeyError{Type: MalformedConfig, Cause: err}
	}
	if len(wrapped) == 0 {
		return nil, &KeyError{Type: EmptyKey}
	}

	c := new(big.Int).SetBytes(wrapped)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	// big.Int.Bytes already drops leading zero bytes.
	inner := m.Bytes()

	key, err := DecodeURLSafe(string(inner))
	if err != nil {
		return nil, &KeyError{Type: MalformedConfig, Cause: err}
	}
	if len(key) == 0 {
		return nil, &KeyError{Type: EmptyKey}
	}
	if len(key) != aesKeyBytes {
		return nil, &KeyError{Type: AESKeyBadLength}
	}
	return key, nil
}

// WrapAESKey is the device-side operation, kept for round-trip tests and
// the registration fixtures.
func WrapAESKey(pub *PublicKey, key []byte) []byte {
	inner := []byte(EncodeURLSafe(key))
	m := new(big.Int).SetBytes(inner)
	c := new(big.Int).Exp(m, pub.E, pub.N)
	return []byte(EncodeURLSafe(c.Bytes()))
}
