package stream

import "errors"

// ErrRoleInconsistent indicates an SSRC set whose roles or companion links do
// not form a valid configuration. Configuration errors are the only hard
// failures in the engine; they surface synchronously at configuration time.
var ErrRoleInconsistent = errors.New("role-inconsistent SSRC set")
