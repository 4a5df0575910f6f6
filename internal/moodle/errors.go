package moodle

// ErrCodeInvalidToken is the errorcode Moodle reports once a web service
// token has expired or been revoked.
const ErrCodeInvalidToken = "invalidtoken"

// APIError is a business-level failure reported by the Moodle web
// service, carried in the response body of an otherwise-successful call.
type APIError struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
	Reason    string `json:"error"`
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Reason != "":
		return e.Reason
	default:
		return e.ErrorCode
	}
}

// LoginExpired reports whether the failure means the user's token is no
// longer valid and they need to log in again.
func (e *APIError) LoginExpired() bool {
	return e.ErrorCode == ErrCodeInvalidToken
}
