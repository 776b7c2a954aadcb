// Package jwt issues and verifies the three token kinds of the identity core.
//
// Access tokens carry identity and verification claims. Refresh tokens carry
// the account id and its token version. Challenge tokens bridge the password
// step and the second factor of an MFA login. Each kind is signed with HS512
// and bound to its own audience so one kind can never be replayed as another.
package jwt
