package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RFC 6238 parameters. Six digits, 30-second step, HMAC-SHA1; the window of
// accepted steps around "now" is configurable on the Challenger.
const (
	totpDigits = 6
	totpStep   = 30 * time.Second
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a fresh base32-encoded 160-bit TOTP secret.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// TOTPProvisioningURI builds the otpauth:// URI consumed by authenticator
// apps during enrollment.
func TOTPProvisioningURI(issuer, account, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("digits", fmt.Sprintf("%d", totpDigits))
	q.Set("period", fmt.Sprintf("%d", int(totpStep.Seconds())))
	label := url.PathEscape(issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// hotpCode computes the RFC 4226 code for a counter value.
func hotpCode(secret []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, code%1_000_000)
}

// totpCodeAt computes the TOTP code for the given time.
func totpCodeAt(secret string, t time.Time) (string, error) {
	key, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}
	return hotpCode(key, uint64(t.Unix())/uint64(totpStep.Seconds())), nil
}

// validateTOTP accepts a code matching any step within ±skew of now. The
// comparison is constant-time per candidate.
func validateTOTP(secret, code string, now time.Time, skew int) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	for i := -skew; i <= skew; i++ {
		candidate, err := totpCodeAt(secret, now.Add(time.Duration(i)*totpStep))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return true
		}
	}
	return false
}
