package utils

// Must unwraps (v, err) pairs in initialization paths where an error is
// unrecoverable.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}
