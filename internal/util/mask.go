// Package util provides small shared helpers for the rotator extensions:
// secret masking for log output and resolution of the agent state directory.
package util

import "strings"

// MaskToken hides the middle of a token so it can be logged safely.
// Short values are fully masked.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}
