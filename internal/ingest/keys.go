package ingest

import (
	"encoding/json"
	"math/big"

	"github.com/chronica/sensing-gateway/internal/crypto"
	"github.com/chronica/sensing-gateway/pkg/blob"
)

const keyBits = 2048

// KeyStore persists participant RSA keypairs in the blob store under the
// KEYS/ prefix, which purge wipes along with the participant's data.
type KeyStore struct {
	store blob.Store
}

func NewKeyStore(store blob.Store) *KeyStore {
	return &KeyStore{store: store}
}

type storedKey struct {
	N string `json:"n"`
	E string `json:"e"`
	D string `json:"d,omitempty"`
}

func privateKeyPath(patientID string) string { return "KEYS/" + patientID + "/private" }
func publicKeyPath(patientID string) string  { return "KEYS/" + patientID + "/public" }

// Generate creates and persists a keypair for a new participant,
// returning the public half for the registration response.
func (k *KeyStore) Generate(patientID string) (*crypto.PublicKey, error) {
	priv, err := crypto.GenerateKey(keyBits)
	if err != nil {
		return nil, err
	}
	if err := k.put(privateKeyPath(patientID), storedKey{
		N: crypto.EncodeURLSafe(priv.N.Bytes()),
		E: crypto.EncodeURLSafe(priv.E.Bytes()),
		D: crypto.EncodeURLSafe(priv.D.Bytes()),
	}); err != nil {
		return nil, err
	}
	pub := priv.Public()
	if err := k.put(publicKeyPath(patientID), storedKey{
		N: crypto.EncodeURLSafe(pub.N.Bytes()),
		E: crypto.EncodeURLSafe(pub.E.Bytes()),
	}); err != nil {
		return nil, err
	}
	return pub, nil
}

// Private loads the decryption key for a participant's uploads.
func (k *KeyStore) Private(patientID string) (*crypto.PrivateKey, error) {
	var sk storedKey
	if err := k.get(privateKeyPath(patientID), &sk); err != nil {
		return nil, err
	}
	n, err := bigInt(sk.N)
	if err != nil {
		return nil, err
	}
	e, err := bigInt(sk.E)
	if err != nil {
		return nil, err
	}
	d, err := bigInt(sk.D)
	if err != nil {
		return nil, err
	}
	return &crypto.PrivateKey{N: n, E: e, D: d}, nil
}

// PublicJSON returns the stored public key verbatim for the device.
func (k *KeyStore) PublicJSON(patientID string) (string, error) {
	raw, err := k.store.Get(publicKeyPath(patientID))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (k *KeyStore) put(path string, sk storedKey) error {
	raw, err := json.Marshal(sk)
	if err != nil {
		return err
	}
	return k.store.Put(path, raw)
}

func (k *KeyStore) get(path string, sk *storedKey) error {
	raw, err := k.store.Get(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, sk)
}

func bigInt(s string) (*big.Int, error) {
	b, err := crypto.DecodeURLSafe(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
