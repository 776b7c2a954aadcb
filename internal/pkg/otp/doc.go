// Package otp generates and checks one-time codes.
//
// TOTP wraps github.com/pquerna/otp for authenticator apps and renders the
// provisioning URI into a PNG QR code. RandomDigits produces the numeric codes
// sent over email and SMS.
package otp
