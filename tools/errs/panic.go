package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return errors.WithStack(ErrInternal.WithDetail(fmt.Sprintf("panic: %v", r)))
}
