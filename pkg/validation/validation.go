package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// ClientIDRegex validates presenter id format
	ClientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// reservedIDs cannot be claimed by a presenter
var reservedIDs = map[string]bool{
	"server": true,
}

// ValidateClientID validates a presenter id
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if len(clientID) > 100 {
		return fmt.Errorf("client ID is too long (max 100 characters)")
	}
	if !ClientIDRegex.MatchString(clientID) {
		return fmt.Errorf("invalid client ID format")
	}
	if reservedIDs[strings.ToLower(clientID)] {
		return fmt.Errorf("client ID %q is reserved", clientID)
	}
	return nil
}

// ValidateDisplayName validates a presenter display name
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 100, "name")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ParsePage parses a zero-based page index
func ParsePage(s string) (int, error) {
	page, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("page must be an integer")
	}
	if page < 0 {
		return 0, fmt.Errorf("page must be >= 0")
	}
	return page, nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
