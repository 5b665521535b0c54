package methods

// Result is the outcome of a direct method call: either a success status
// with an optional body, or an error status with a message.
type Result struct {
	Status  uint16
	Body    []byte
	Message string
	failed  bool
}

// OK is a successful result. body may be nil.
func OK(status uint16, body []byte) Result {
	return Result{Status: status, Body: body}
}

// Fail is an error result; the message is sent as {"detail": message}.
func Fail(status uint16, message string) Result {
	return Result{Status: status, Message: message, failed: true}
}

func (r Result) Failed() bool { return r.failed }

// Handler runs one direct method. It returns false when the call is not
// applicable to it, which is reported like a missing handler.
type Handler interface {
	Handle(payload []byte) (Result, bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(payload []byte) (Result, bool)

func (f HandlerFunc) Handle(payload []byte) (Result, bool) { return f(payload) }
