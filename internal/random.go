// Package internal holds small shared helpers for the SIWO engine.
package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const resetCodeRawSize = 48

// NewSecurityCode generates a short human-enterable numeric code.
func NewSecurityCode(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid security code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// NewResetCode generates the long single-use code mailed for password resets.
// base64url, no padding, compact.
func NewResetCode() (string, error) {
	var raw [resetCodeRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewLockOwner generates the owner token stored in a concurrency lock so only
// the acquiring request can release it.
func NewLockOwner() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
