package eventstream

import "errors"

// ErrNilForkEvent indicates a nil fork event payload was provided to a publisher.
var ErrNilForkEvent = errors.New("nil fork event")
