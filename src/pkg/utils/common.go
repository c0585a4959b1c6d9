package utils

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

func Min[T int | int64 | uint32 | uint64 | uintptr](a, b T) T {
	if a < b {
		return a
	}

	return b
}
