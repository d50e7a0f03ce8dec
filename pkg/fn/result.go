package fn

// Result carries either a value or an error between stages and workers.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok wraps v.
func Ok[T any](v T) Result[T] { return Result[T]{val: v, ok: true} }

// Err wraps err.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// IsErr reports whether r holds an error.
func (r Result[T]) IsErr() bool { return !r.ok }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Partition splits results into values and errors, keeping order within each.
func Partition[T any](results []Result[T]) ([]T, []error) {
	var vals []T
	var errs []error
	for _, r := range results {
		if r.ok {
			vals = append(vals, r.val)
		} else {
			errs = append(errs, r.err)
		}
	}
	return vals, errs
}
