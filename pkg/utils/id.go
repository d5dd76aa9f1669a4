package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return prefix + "_" + short
}

// GenerateClientID generates a presenter identity when none is configured
func GenerateClientID() string {
	return GenerateID("presenter")
}

// GenerateInstanceID identifies one running viewer or transport endpoint
func GenerateInstanceID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
