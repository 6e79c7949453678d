package gamedto

// DomainError is the UI-boundary error shape. Code is one of the stable
// identifiers below; Message is human-readable.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "game error"
}

const (
	CodeMoveRejected = "move_rejected"
	CodeNoHistory    = "no_history"
	CodeDesynced     = "engine_desync"
	CodeBadRequest   = "bad_request"
)
