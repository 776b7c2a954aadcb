// Package clock hides the wall clock behind Clocker. Lockout windows, code
// expiry and token lifetimes all read time through it, and tests advance a
// Fixed clock instead of sleeping.
package clock
