// Package utils holds small generic helpers shared across packages.
package utils

// Ptr returns a pointer to v. Useful for optional JSON fields.
func Ptr[T any](v T) *T {
	return &v
}
