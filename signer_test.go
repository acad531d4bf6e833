// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestBLSSignerRoundTrip(t *testing.T) {
	require := require.New(t)

	signer, err := GenerateBLSSigner()
	require.NoError(err)
	verifier := NewBLSVerifier()

	state := BuildState(testChannel(t), Ledger{ids.GenerateTestID(): uint256.NewInt(10)}, 0)
	sig, err := signer.SignState(state)
	require.NoError(err)
	require.NoError(verifier.VerifyState(state, sig, signer.PublicKey()))
}

func TestBLSVerifierRejectsWrongKey(t *testing.T) {
	require := require.New(t)

	signer, err := GenerateBLSSigner()
	require.NoError(err)
	other, err := GenerateBLSSigner()
	require.NoError(err)
	verifier := NewBLSVerifier()

	state := BuildState(testChannel(t), Ledger{}, 0)
	sig, err := signer.SignState(state)
	require.NoError(err)
	require.ErrorIs(verifier.VerifyState(state, sig, other.PublicKey()), ErrInvalidSignature)
}

func TestBLSVerifierRejectsTamperedState(t *testing.T) {
	require := require.New(t)

	signer, err := GenerateBLSSigner()
	require.NoError(err)
	verifier := NewBLSVerifier()

	state := BuildState(testChannel(t), Ledger{ids.GenerateTestID(): uint256.NewInt(10)}, 0)
	sig, err := signer.SignState(state)
	require.NoError(err)

	state.Root[0] ^= 0xff
	require.ErrorIs(verifier.VerifyState(state, sig, signer.PublicKey()), ErrInvalidSignature)
}

func TestBLSVerifierRejectsMalformedInputs(t *testing.T) {
	require := require.New(t)

	signer, err := GenerateBLSSigner()
	require.NoError(err)
	verifier := NewBLSVerifier()
	state := BuildState(testChannel(t), Ledger{}, 0)

	require.ErrorIs(verifier.VerifyState(state, []byte("junk"), signer.PublicKey()), ErrInvalidSignature)

	sig, err := signer.SignState(state)
	require.NoError(err)
	require.ErrorIs(verifier.VerifyState(state, sig, []byte("junk")), ErrInvalidSignature)
}
