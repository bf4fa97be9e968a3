package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// serialBits is the size of generated certificate serial numbers. RFC 5280
// allows at most 20 octets; 128 bits leaves room for the sign bit.
const serialBits = 128

// RandomSerial returns a positive random certificate serial number.
func RandomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
