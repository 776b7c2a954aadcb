// Package validator checks usecase input structs against their `validate` tags.
//
// Field names in the returned errors are snake_case so they can be surfaced to
// clients as-is.
package validator
