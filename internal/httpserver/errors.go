package httpserver

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingPhone  = "missing e164"
	ErrMissingCallID = "missing call_id"
	ErrDebugDisabled = "debug tooling disabled"
	ErrDependency    = "dependency error"
)
