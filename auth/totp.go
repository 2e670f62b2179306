package auth

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var literalCode = regexp.MustCompile(`^[0-9]{6,8}$`)

// TwoFactorCode returns the code to submit for secretOrCode at now. A 6-8 digit value is
// used as-is; anything else is treated as a base32 TOTP secret.
func TwoFactorCode(secretOrCode string, now time.Time) (string, error) {
	v := strings.TrimSpace(secretOrCode)
	if v == "" || v == "0" {
		return "", ErrTwoFactorRequired
	}
	if literalCode.MatchString(v) {
		return v, nil
	}

	secret, err := url.PathUnescape(v)
	if err != nil {
		secret = v
	}
	secret = strings.ToUpper(strings.Join(strings.Fields(secret), ""))
	secret = strings.TrimRight(secret, "=")

	code, err := totp.GenerateCodeCustom(secret, now, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTwoFactorSecret, err)
	}
	return code, nil
}
