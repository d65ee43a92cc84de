package priority

import "github.com/harunnryd/parley/pkg/errorsx"

var ErrClosed = errorsx.New(errorsx.ReasonInvalidState, "queue closed")
