package http

// Bodies sent with error responses.
const (
	body400 = "Your request has bad syntax or is inherently impossible to satisfy.\n"
	body403 = "You do not have permission to get file from this server.\n"
	body404 = "The requested file was not found on this server.\n"
	body500 = "There was an unusual problem serving the request file.\n"
)

const errorContentType = "text/html"

// statusText returns the HTTP status text for the given code
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Error"
	default:
		return "Unknown"
	}
}

func errorBody(code int) string {
	switch code {
	case 400:
		return body400
	case 403:
		return body403
	case 404:
		return body404
	default:
		return body500
	}
}

// response describes what to write before it is serialised.
type response struct {
	code          int
	contentType   string
	contentLength int
	keepAlive     bool
	inlineBody    string
}

// appendTo writes the status line, headers and any inline body. It reports
// false as soon as anything does not fit; the buffer is then partially
// written and must be reset.
func (r *response) appendTo(w *Buffer) bool {
	return w.AppendString("HTTP/1.1 ") &&
		w.AppendInt(r.code) &&
		w.AppendString(" ") &&
		w.AppendString(statusText(r.code)) &&
		w.AppendString("\r\n") &&
		r.appendHeaders(w) &&
		w.AppendString(r.inlineBody)
}

func (r *response) appendHeaders(w *Buffer) bool {
	ok := w.AppendString("Content-Length: ") &&
		w.AppendInt(r.contentLength) &&
		w.AppendString("\r\nContent-Type: ") &&
		w.AppendString(r.contentType) &&
		w.AppendString("\r\nConnection: ")
	if !ok {
		return false
	}
	if r.keepAlive {
		ok = w.AppendString("keep-alive")
	} else {
		ok = w.AppendString("close")
	}
	return ok && w.AppendString("\r\n\r\n")
}

func errorResponse(code int, keepAlive bool) response {
	body := errorBody(code)
	return response{
		code:          code,
		contentType:   errorContentType,
		contentLength: len(body),
		keepAlive:     keepAlive,
		inlineBody:    body,
	}
}
