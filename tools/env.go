package tools

import "os"

// GetenvDefault returns the value of key, or defaultValue when it is unset or
// empty.
func GetenvDefault(key string, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}
