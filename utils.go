// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"errors"
	"math"
)

// AddUint64 adds two uint64 values and returns an error on overflow.
func AddUint64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, errors.New("addition would overflow")
	}
	return a + b, nil
}

// CheckMulDoesNotOverflow checks if a * b would overflow uint64.
func CheckMulDoesNotOverflow(a, b uint64) error {
	if a == 0 || b == 0 {
		return nil
	}
	if a > math.MaxUint64/b {
		return errors.New("multiplication would overflow")
	}
	return nil
}
