package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
)

// RoundCoord reduces a coordinate to two decimal places, roughly 1.1 km of
// precision at the equator.
func RoundCoord(v float64) float64 {
	return math.Round(v*100) / 100
}

// MaskName keeps the first rune and replaces the rest with asterisks of the
// original length.
func MaskName(name string) string {
	runes := []rune(name)
	if len(runes) == 0 {
		return ""
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}

// HashID derives a stable pseudonymous id from a tourist id. The same salt
// always yields the same hash so anonymized history rows stay joinable.
func HashID(salt, touristID string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(touristID))
	return "anon-" + hex.EncodeToString(mac.Sum(nil))[:32]
}
