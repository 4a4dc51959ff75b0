package envelope

// Reply codes.
const (
	CodeUnknownRecipients = 1
	CodeAccessDenied      = 1
	CodeServerTimeout     = 3
	CodeKeyUnavailable    = 4
	CodePartial           = 200
	CodeDelivered         = 201
	CodeMalformed         = 400
	CodeUnauthorized      = 401
	CodeInternal          = 500
)

// Reply is the common header of every response body.
type Reply struct {
	OK   bool   `json:"ok"`
	Code int    `json:"code,omitempty"`
	Err  string `json:"err,omitempty"`
}

// OK returns a bare success reply.
func OK() *Reply {
	return &Reply{OK: true}
}

// Fail returns a failure reply.
func Fail(code int, msg string) *Reply {
	return &Reply{OK: false, Code: code, Err: msg}
}

// Soft reports whether the sender should retry later.
func (r *Reply) Soft() bool {
	return !r.OK && (r.Code == CodeServerTimeout || r.Code == CodeKeyUnavailable)
}
