// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"fmt"

	"github.com/meshpay/validator"
)

// VerifyQuorum checks that accumulatedWeight is at least quorumNum/quorumDen
// of totalWeight. The comparison cross-multiplies to stay in integer space;
// both products are overflow-checked.
func VerifyQuorum(accumulatedWeight, totalWeight, quorumNum, quorumDen uint64) error {
	if quorumDen == 0 {
		return fmt.Errorf("quorum denominator is zero")
	}
	if err := validator.CheckMulDoesNotOverflow(accumulatedWeight, quorumDen); err != nil {
		return fmt.Errorf("accumulated weight overflow: %w", err)
	}
	if err := validator.CheckMulDoesNotOverflow(totalWeight, quorumNum); err != nil {
		return fmt.Errorf("total weight overflow: %w", err)
	}
	if accumulatedWeight*quorumDen < totalWeight*quorumNum {
		return fmt.Errorf("insufficient weight: %d/%d below quorum %d/%d",
			accumulatedWeight, totalWeight, quorumNum, quorumDen)
	}
	return nil
}
