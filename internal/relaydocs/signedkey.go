package relaydocs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignedKeys issues and validates time-stamped HMAC keys of the form
// "<unix>.<hex mac>" binding a value to the moment it was signed.
type SignedKeys struct {
	secret []byte
	now    func() time.Time
}

func NewSignedKeys(secret string) *SignedKeys {
	return &SignedKeys{secret: []byte(secret), now: time.Now}
}

func (k *SignedKeys) Generate(value string) string {
	ts := strconv.FormatInt(k.now().Unix(), 10)
	return ts + "." + k.mac(value, ts)
}

// Validate accepts key when it signs value and was issued within validFor.
// Every failure is an ErrForbidden.
func (k *SignedKeys) Validate(value, key string, validFor time.Duration) error {
	if len(k.secret) == 0 {
		return fmt.Errorf("%w: signing secret is not configured", ErrForbidden)
	}
	ts, sig, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed key", ErrForbidden)
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed key", ErrForbidden)
	}
	if !hmac.Equal([]byte(sig), []byte(k.mac(value, ts))) {
		return fmt.Errorf("%w: invalid key", ErrForbidden)
	}
	age := k.now().Sub(time.Unix(issued, 0))
	if age < -time.Minute || (validFor > 0 && age > validFor) {
		return fmt.Errorf("%w: expired key", ErrForbidden)
	}
	return nil
}

func (k *SignedKeys) mac(value, ts string) string {
	m := hmac.New(sha256.New, k.secret)
	_, _ = m.Write([]byte(value))
	_, _ = m.Write([]byte{0})
	_, _ = m.Write([]byte(ts))
	return hex.EncodeToString(m.Sum(nil))
}

// StreamKeyValue is the value signed into stream and diff links of a file
// version.
func StreamKeyValue(fileID string, version int) string {
	return fileID + ":" + strconv.Itoa(version)
}
