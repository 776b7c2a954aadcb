package otp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrInvalidLength is returned by RandomDigits for non-positive lengths.
var ErrInvalidLength = errors.New("otp: code length must be positive")

// OTP is the authenticator-app capability used by the identity core.
type OTP interface {
	// NewSecret creates a base32 shared secret and its otpauth:// provisioning URI.
	NewSecret(label string) (secret, uri string, err error)
	// CurrentCode returns the code valid for secret at the given instant.
	CurrentCode(secret string, at time.Time) (string, error)
	// Verify accepts code when it matches any step within toleranceSteps of at.
	Verify(secret, code string, at time.Time, toleranceSteps uint) bool
	// RenderProvisioningImage encodes uri as a PNG QR code.
	RenderProvisioningImage(uri string) ([]byte, error)
}

// TOTP implements OTP with RFC 6238 codes (SHA1, 6 digits).
type TOTP struct {
	issuer    string
	period    uint
	imageSize int
}

// NewTOTP builds a TOTP. A zero period means 30 seconds and a non-positive
// imageSize means 256 pixels.
func NewTOTP(issuer string, period uint, imageSize int) *TOTP {
	if period == 0 {
		period = 30
	}
	if imageSize <= 0 {
		imageSize = 256
	}

	return &TOTP{issuer: issuer, period: period, imageSize: imageSize}
}

func (o *TOTP) NewSecret(label string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      o.issuer,
		AccountName: label,
		Period:      o.period,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}

	return key.Secret(), key.URL(), nil
}

func (o *TOTP) CurrentCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, o.opts(0))
}

func (o *TOTP) Verify(secret, code string, at time.Time, toleranceSteps uint) bool {
	ok, err := totp.ValidateCustom(code, secret, at, o.opts(toleranceSteps))
	return ok && err == nil
}

func (o *TOTP) RenderProvisioningImage(uri string) ([]byte, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("otp: parse provisioning uri: %w", err)
	}

	img, err := key.Image(o.imageSize, o.imageSize)
	if err != nil {
		return nil, fmt.Errorf("otp: render qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("otp: encode png: %w", err)
	}

	return buf.Bytes(), nil
}

func (o *TOTP) opts(skew uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    o.period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// RandomDigits returns a uniformly random numeric string of length n drawn from crypto/rand.
func RandomDigits(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidLength
	}

	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}

	return string(buf), nil
}
