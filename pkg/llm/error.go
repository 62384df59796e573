package llm

import "fmt"

// ErrMalformedOutput reports model output that could not be decoded into the
// expected structure even after sanitation. It is a distinct failure mode
// from transport errors: callers fall back or bisect instead of retrying.
type ErrMalformedOutput struct {
	Reason string
}

func (e ErrMalformedOutput) Error() string {
	return fmt.Sprintf("malformed model output: %s", e.Reason)
}
