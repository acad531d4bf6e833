// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/bls/signer/localsigner"
)

var (
	_ Signer   = (*blsSigner)(nil)
	_ Verifier = (*blsVerifier)(nil)
)

// Signer signs candidate states on behalf of this validator.
type Signer interface {
	// SignState returns a signature over the state's canonical bytes.
	SignState(state *State) ([]byte, error)
	// PublicKey returns the compressed public key matching the signatures.
	PublicKey() []byte
}

// Verifier verifies state signatures from other validators.
type Verifier interface {
	// VerifyState returns ErrInvalidSignature if signature is not a valid
	// signature of state by the holder of publicKey.
	VerifyState(state *State, signature []byte, publicKey []byte) error
}

// NewBLSSigner creates a Signer backed by a local BLS key.
func NewBLSSigner(sk *localsigner.LocalSigner) Signer {
	return &blsSigner{
		sk: sk,
		pk: bls.PublicKeyToCompressedBytes(sk.PublicKey()),
	}
}

// NewBLSSignerFromBytes parses a serialized BLS secret key.
func NewBLSSignerFromBytes(b []byte) (Signer, error) {
	sk, err := localsigner.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse BLS secret key: %w", err)
	}
	return NewBLSSigner(sk), nil
}

// GenerateBLSSigner creates a Signer with a fresh random key.
func GenerateBLSSigner() (Signer, error) {
	sk, err := localsigner.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate BLS secret key: %w", err)
	}
	return NewBLSSigner(sk), nil
}

type blsSigner struct {
	sk *localsigner.LocalSigner
	pk []byte
}

func (s *blsSigner) SignState(state *State) ([]byte, error) {
	sig, err := s.sk.Sign(state.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign state: %w", err)
	}
	return bls.SignatureToBytes(sig), nil
}

func (s *blsSigner) PublicKey() []byte {
	return s.pk
}

// NewBLSVerifier creates a Verifier for compressed BLS public keys.
func NewBLSVerifier() Verifier {
	return &blsVerifier{}
}

type blsVerifier struct{}

func (v *blsVerifier) VerifyState(state *State, signature []byte, publicKey []byte) error {
	pk, err := bls.PublicKeyFromCompressedBytes(publicKey)
	if err != nil {
		return fmt.Errorf("%w: bad public key: %s", ErrInvalidSignature, err)
	}
	sig, err := bls.SignatureFromBytes(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %s", ErrInvalidSignature, err)
	}
	if !bls.Verify(pk, sig, state.SigningBytes()) {
		return ErrInvalidSignature
	}
	return nil
}
