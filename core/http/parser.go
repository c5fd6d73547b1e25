package http

import (
	"bytes"
	"errors"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"
)

// LineStatus is the result of scanning for one CRLF-terminated line.
type LineStatus uint8

const (
	LineOK LineStatus = iota
	LineOpen
	LineBad
)

func (s LineStatus) String() string {
	switch s {
	case LineOK:
		return "ok"
	case LineOpen:
		return "open"
	default:
		return "bad"
	}
}

// parseLine scans data from offset from. For LineOK next is the index just
// past the CRLF. For LineOpen next is where scanning should resume once more
// bytes arrive, which is the trailing '\r' if there is one.
func parseLine(data []byte, from int) (status LineStatus, next int) {
	for i := from; i < len(data); i++ {
		switch data[i] {
		case '\r':
			if i+1 == len(data) {
				return LineOpen, i
			}
			if data[i+1] == '\n' {
				return LineOK, i + 2
			}
			return LineBad, i
		case '\n':
			return LineBad, i
		}
	}
	return LineOpen, len(data)
}

var (
	ErrBadRequestLine   = errors.New("http: malformed request line")
	ErrBadMethod        = errors.New("http: unsupported method")
	ErrBadVersion       = errors.New("http: unsupported version")
	ErrBadTarget        = errors.New("http: malformed request target")
	ErrBadHeader        = errors.New("http: malformed header")
	ErrBadLength        = errors.New("http: invalid content length")
	ErrBodyTooLarge     = errors.New("http: body exceeds read buffer")
	ErrMalformedFraming = errors.New("http: malformed line framing")
)

// NormalizeTarget strips an absolute-form scheme and authority, requires a
// leading '/', cleans the path lexically and expands "/" to "/index.html".
// It is idempotent.
func NormalizeTarget(target string) (string, bool) {
	for _, scheme := range [...]string{"http://", "https://"} {
		if len(target) >= len(scheme) && strings.EqualFold(target[:len(scheme)], scheme) {
			rest := target[len(scheme):]
			i := strings.IndexByte(rest, '/')
			if i < 0 {
				return "", false
			}
			target = rest[i:]
			break
		}
	}
	if target == "" || target[0] != '/' {
		return "", false
	}
	target = path.Clean(target)
	if target == "/" {
		target = "/index.html"
	}
	return target, true
}

type checkState uint8

const (
	stateRequestLine checkState = iota
	stateHeaders
	stateBody
)

type parseResult uint8

const (
	parseIncomplete parseResult = iota
	parseDone
	parseBad
)

// parser is the request sub-machine. Offsets are relative to the start of
// the unconsumed read buffer.
type parser struct {
	state     checkState
	lineStart int
	checked   int
	bodyStart int
	end       int // total request length once done
	err       error
	req       Request
}

func (p *parser) reset() {
	*p = parser{}
}

// parse advances over data, the buffered bytes of the current request.
// limit is the read buffer capacity and bounds the body.
func (p *parser) parse(data []byte, limit int, log zerolog.Logger) parseResult {
	for {
		if p.state == stateBody {
			if len(data)-p.bodyStart < p.req.ContentLength {
				return parseIncomplete
			}
			p.end = p.bodyStart + p.req.ContentLength
			p.req.Body = data[p.bodyStart:p.end]
			return parseDone
		}

		status, next := parseLine(data, p.checked)
		switch status {
		case LineOpen:
			p.checked = next
			return parseIncomplete
		case LineBad:
			return p.fail(ErrMalformedFraming)
		}

		line := data[p.lineStart : next-2]
		p.checked, p.lineStart = next, next

		switch p.state {
		case stateRequestLine:
			if err := p.requestLine(line); err != nil {
				return p.fail(err)
			}
			p.state = stateHeaders

		case stateHeaders:
			if len(line) == 0 {
				if p.req.ContentLength == 0 {
					p.end = next
					return parseDone
				}
				if p.req.ContentLength > limit-next {
					return p.fail(ErrBodyTooLarge)
				}
				p.bodyStart = next
				p.state = stateBody
				continue
			}
			if err := p.header(line, log); err != nil {
				return p.fail(err)
			}
		}
	}
}

func (p *parser) fail(err error) parseResult {
	p.err = err
	return parseBad
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

// nextField splits off the leading run of non-blank bytes and skips the
// blanks after it.
func nextField(line []byte) (field, rest []byte) {
	i := 0
	for i < len(line) && !isBlank(line[i]) {
		i++
	}
	field = line[:i]
	for i < len(line) && isBlank(line[i]) {
		i++
	}
	return field, line[i:]
}

func (p *parser) requestLine(line []byte) error {
	method, rest := nextField(line)
	target, rest := nextField(rest)
	version, rest := nextField(rest)
	if len(method) == 0 || len(target) == 0 || len(version) == 0 || len(rest) != 0 {
		return ErrBadRequestLine
	}

	if p.req.Method = ParseMethod(string(method)); p.req.Method == MethodUnknown {
		return ErrBadMethod
	}
	if !bytes.EqualFold(version, []byte("HTTP/1.1")) {
		return ErrBadVersion
	}
	p.req.Version = "HTTP/1.1"

	t, ok := NormalizeTarget(string(target))
	if !ok {
		return ErrBadTarget
	}
	p.req.Target = t
	return nil
}

func (p *parser) header(line []byte, log zerolog.Logger) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return ErrBadHeader
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return ErrBadHeader
	}
	value := string(bytes.Trim(line[colon+1:], " \t"))
	if !httpguts.ValidHeaderFieldValue(value) {
		return ErrBadHeader
	}

	switch {
	case strings.EqualFold(name, "Connection"):
		p.req.KeepAlive = httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive")
	case strings.EqualFold(name, "Content-Length"):
		n, err := parseContentLength(value)
		if err != nil {
			return err
		}
		p.req.ContentLength = n
	case strings.EqualFold(name, "Host"):
		p.req.Host = value
	default:
		log.Debug().Str("header", name).Str("value", value).Msg("ignoring header")
	}
	return nil
}

func parseContentLength(v string) (int, error) {
	if v == "" {
		return 0, ErrBadLength
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, ErrBadLength
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, ErrBadLength
	}
	return n, nil
}
