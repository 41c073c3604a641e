package main

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"rateswap/core/types"
)

// mintToken signs an HS256 token whose subject is address, in the shape
// ratekeeperd verifies.
func mintToken(secret, address string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	addr, err := types.ParseAddress(address)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	cleaned := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if s := strings.TrimSpace(scope); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return "", fmt.Errorf("at least one scope required")
	}
	claims := jwt.MapClaims{
		"sub":   addr.Hex(),
		"scope": strings.Join(cleaned, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
