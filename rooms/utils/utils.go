package utils

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"
)

const roomIDRandBytes = 8

var roomIDPattern = regexp.MustCompile(`^[0-9a-z]+-[0-9a-f]{16}$`)

func GenerateRandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// NewRoomID returns "<unix millis base36>-<16 hex chars>".
func NewRoomID(now time.Time) string {
	suffix, err := GenerateRandomHex(roomIDRandBytes)
	if err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + suffix
}

func ValidRoomID(roomID string) bool {
	return roomIDPattern.MatchString(roomID)
}
