package signing

import (
	"errors"
	"fmt"
	"strings"
)

// MinSecretLength is the minimum accepted length of a signing secret.
const MinSecretLength = 32

// minDistinctChars is the minimum number of distinct characters a secret
// must contain.
const minDistinctChars = 8

// weakPatterns are substrings that mark a secret as trivially guessable.
var weakPatterns = []string{
	"password",
	"secret",
	"changeme",
	"default",
	"letmein",
	"12345678",
	"abcdefgh",
	"qwerty",
}

// ErrWeakSecret is returned by ValidateSecret for any rejected secret.
var ErrWeakSecret = errors.New("signing secret rejected")

// ValidateSecret checks that secret is strong enough to sign approval
// cookies and state payloads. The returned error never includes the secret.
func ValidateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is not configured", ErrWeakSecret)
	}
	if len(secret) < MinSecretLength {
		return fmt.Errorf("%w: secret must be at least %d characters, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}

	distinct := make(map[rune]struct{})
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	if len(distinct) == 1 {
		return fmt.Errorf("%w: secret consists of a single repeated character", ErrWeakSecret)
	}
	if len(distinct) < minDistinctChars {
		return fmt.Errorf("%w: secret must contain at least %d distinct characters", ErrWeakSecret, minDistinctChars)
	}

	lower := strings.ToLower(secret)
	for _, p := range weakPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: secret contains a common pattern", ErrWeakSecret)
		}
	}
	return nil
}
