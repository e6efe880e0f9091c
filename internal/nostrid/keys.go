// Package nostrid provides the secp256k1 key handling, NIP-44/NIP-04
// envelope crypto, and NIP-01 event canonicalization shared by the
// transport, codec, and identity packages. Ported from the teacher's
// nip44.go and relay.go, generalized from the hypermedia client's single
// "our ephemeral client key" use case to the broker's transport keypair.
package nostrid

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

// GeneratePrivateKey returns a new random secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// PublicKey derives the x-only (BIP-340) public key from a private key.
func PublicKey(privKeyBytes []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}
	return privKey.PubKey().SerializeCompressed()[1:], nil
}

// parseXOnlyPubKey parses a 32-byte x-only pubkey, trying the even-y (0x02)
// prefix first and falling back to odd-y (0x03).
func parseXOnlyPubKey(pubKeyBytes []byte) (*btcec.PublicKey, error) {
	if len(pubKeyBytes) != 32 {
		return nil, errors.New("pubkey must be 32 bytes (x-only)")
	}
	withPrefix := append([]byte{0x02}, pubKeyBytes...)
	pubKey, err := btcec.ParsePubKey(withPrefix)
	if err == nil {
		return pubKey, nil
	}
	withPrefix[0] = 0x03
	pubKey, err = btcec.ParsePubKey(withPrefix)
	if err != nil {
		return nil, errors.New("invalid public key")
	}
	return pubKey, nil
}

// ConversationKey computes the NIP-44 shared secret between a private key
// and a peer's x-only public key via ECDH + HKDF-extract.
func ConversationKey(privKeyBytes, peerPubKeyBytes []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}
	pubKey, err := parseXOnlyPubKey(peerPubKeyBytes)
	if err != nil {
		return nil, err
	}
	return conversationKeyFromECDH(privKey, pubKey)
}
