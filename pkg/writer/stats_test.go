package writer

import (
	"errors"
	"testing"
)

func TestErrorsAreDistinct(t *testing.T) {
	errs := []error{ErrQueueFull, ErrWriterClosed, ErrFlushTimeout}
	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v should not match %v", a, b)
			}
		}
	}
}
