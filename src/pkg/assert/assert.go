package assert

import "fmt"

// Assert panics when the condition is false. It is reserved for internal
// invariants where continuing would silently corrupt on-disk state.
func Assert(cond bool, format ...any) {
	if cond {
		return
	}

	if len(format) == 0 {
		panic("assertion failed")
	}

	f, ok := format[0].(string)
	if !ok {
		panic(fmt.Sprintf("assertion failed: %+v", format))
	}

	panic(fmt.Sprintf("assertion failed: "+f, format[1:]...))
}

func NoError(err error, msgAndArgs ...any) {
	if err == nil {
		return
	}

	if len(msgAndArgs) == 0 {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}

	f, ok := msgAndArgs[0].(string)
	if !ok {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}

	panic(fmt.Sprintf(f+": %+v", append(msgAndArgs[1:], err)...))
}

func Cast[T any](v any) T {
	r, ok := v.(T)
	Assert(ok, "cannot cast %T to %T", v, r)
	return r
}
