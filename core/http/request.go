package http

import "strings"

// Method is a supported request method.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGET
	MethodPOST
)

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	default:
		return "UNKNOWN"
	}
}

// ParseMethod matches GET and POST case-insensitively.
func ParseMethod(s string) Method {
	switch {
	case strings.EqualFold(s, "GET"):
		return MethodGET
	case strings.EqualFold(s, "POST"):
		return MethodPOST
	default:
		return MethodUnknown
	}
}

// Request holds the parsed fields of the in-flight request. Body aliases the
// connection's read buffer and is valid until the response is flushed.
type Request struct {
	Method        Method
	Target        string
	Version       string
	Host          string
	ContentLength int
	KeepAlive     bool
	Body          []byte
}

// Reset clears the request for the next one on the same connection.
func (r *Request) Reset() {
	*r = Request{}
}
