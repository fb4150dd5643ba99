package mutator

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tamperSigningKey signs tampered tokens. It is deliberately NOT a key
// the target could know: a correct verifier must reject the result, and
// acceptance is exactly the signal the analyzer is looking for.
var tamperSigningKey = []byte("probehound-tampered-token")

// TamperToken decodes a JWT without verifying its signature, rewrites
// one claim, and re-signs with a throwaway HS256 key. The output is
// structurally valid but carries an invalid signature.
func TamperToken(token, claim, value string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}

	claims[claim] = value

	tampered, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tamperSigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to re-sign token: %w", err)
	}
	return tampered, nil
}
