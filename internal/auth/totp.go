package auth

import (
	"errors"
	"time"

	"github.com/pquerna/otp/totp"
)

var ErrBadTOTP = errors.New("auth: invalid or missing TOTP code")

// CheckTOTP validates code against secret. An empty secret disables the check.
func CheckTOTP(secret, code string, now time.Time) error {
	if secret == "" {
		return nil
	}
	if code == "" {
		return ErrBadTOTP
	}
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: 6,
	})
	if err != nil || !ok {
		return ErrBadTOTP
	}
	return nil
}

// GenerateTOTP creates a new owner secret and its otpauth:// URL.
func GenerateTOTP(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// TOTPCode returns the current code for secret.
func TOTPCode(secret string, now time.Time) (string, error) {
	return totp.GenerateCode(secret, now)
}
