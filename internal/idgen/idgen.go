// Package idgen generates identifiers and delivery codes.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Delivery codes are drawn uniformly from [CodeMin, CodeMax]: four digits
// that are easy to read out loud. They are a UX check, not a secret.
const (
	CodeMin = 1000
	CodeMax = 9999
)

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// DeliveryCode returns a uniformly random 4-digit code.
func DeliveryCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(CodeMax-CodeMin+1))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%04d", n.Int64()+CodeMin)
}
