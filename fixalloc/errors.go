package fixalloc

import "github.com/pkg/errors"

// ErrOutOfMemory indicates the byte source could not satisfy a chunk
// acquisition. errors.Is(err, ErrOutOfMemory) holds for every error Alloc
// returns.
var ErrOutOfMemory = errors.New("fixalloc: out of memory")

func errGrowFailed(cause error) error {
	if cause == nil {
		return ErrOutOfMemory
	}
	return errors.Wrap(ErrOutOfMemory, cause.Error())
}
