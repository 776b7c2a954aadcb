// Package ratelimit provides Redis backed abuse limits: hourly caps on
// verification attempts and per-destination resend cooldowns.
//
// Counts are shared by every replica of the service through Redis. Keys expire
// on their own, so no cleanup job is needed.
package ratelimit
