package account

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	usernameLength = 10
	passwordLength = 16

	letters       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	usernameChars = letters + "0123456789_"
	passwordChars = letters + "0123456789!@#$%^&*"
)

// GenerateUsername returns a random username: letters, digits and
// underscores, always starting with a letter.
func GenerateUsername() string {
	buf := make([]byte, usernameLength)
	buf[0] = letters[rand.IntN(len(letters))]
	for i := 1; i < usernameLength; i++ {
		buf[i] = usernameChars[rand.IntN(len(usernameChars))]
	}
	return string(buf)
}

// GeneratePassword returns a random mixed-character password.
func GeneratePassword() string {
	buf := make([]byte, passwordLength)
	for i := range buf {
		buf[i] = passwordChars[rand.IntN(len(passwordChars))]
	}
	return string(buf)
}

// GenerateBirthdate returns a YYYY-MM-DD date for an age uniformly in
// [18,35]. Day is clamped to 1-28 so every month is valid.
func GenerateBirthdate() string {
	age := 18 + rand.IntN(18)
	year := time.Now().Year() - age
	month := 1 + rand.IntN(12)
	day := 1 + rand.IntN(28)
	return fmt.Sprintf("%d-%02d-%02d", year, month, day)
}
