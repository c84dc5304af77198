package utils

// Ptr returns a pointer to the passed value.
func Ptr[T any](t T) *T {
	return &t
}

// PtrOrNil is Ptr except that the zero value maps to nil, e.g. for
// nullable columns.
func PtrOrNil[T comparable](t T) *T {
	var zero T
	if t == zero {
		return nil
	}
	return &t
}

// Get dereferences t, returning the zero value for nil.
func Get[T any](t *T) T {
	if t == nil {
		var v T
		return v
	}
	return *t
}
