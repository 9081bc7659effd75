package protocol

import (
	"bufio"
	"errors"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Header holds request headers keyed by canonical MIME form.
type Header map[string]string

// Get returns the value for key, matching case-insensitively.
func (h Header) Get(key string) string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Request is one parsed request. The body is not consumed until Form is called.
type Request struct {
	Method  string
	Path    string
	Version string
	Header  Header

	body     *bufio.Reader
	formRead bool
	key      string
	value    string
	formErr  error
}

// ReadRequest reads the request line and header block from r.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoRequest
		}
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, malformed("empty request line")
	}
	if len(fields) < 2 {
		return nil, malformed("request line %q has no path", line)
	}
	req := &Request{
		Method: strings.ToUpper(fields[0]),
		Path:   cases.Fold().String(fields[1]),
		Header: make(Header),
		body:   r,
	}
	if len(fields) > 2 {
		req.Version = fields[2]
	}

	for n := 0; ; n++ {
		if n > MaxHeaderLines {
			return nil, malformed("more than %d header lines", MaxHeaderLines)
		}
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, malformed("header block not terminated")
			}
			return nil, err
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, malformed("header line %q has no ':'", line)
		}
		req.Header[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return req, nil
}

// ContentLength parses the Content-Length header.
func (req *Request) ContentLength() (int, error) {
	raw := req.Header.Get("Content-Length")
	if raw == "" {
		return 0, malformed("missing Content-Length")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, malformed("Content-Length %q is not a number", raw)
	}
	if n < 0 || n > MaxBodyBytes {
		return 0, malformed("Content-Length %d out of range", n)
	}
	return n, nil
}

// Form reads the body once and returns its percent-decoded key and value. The
// body is split on the first '=' only, so the value keeps any further '=' or
// '&' characters.
func (req *Request) Form() (key, value string, err error) {
	if req.formRead {
		return req.key, req.value, req.formErr
	}
	req.formRead = true
	req.key, req.value, req.formErr = req.readForm()
	return req.key, req.value, req.formErr
}

func (req *Request) readForm() (string, string, error) {
	n, err := req.ContentLength()
	if err != nil {
		return "", "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(req.body, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", "", malformed("body shorter than Content-Length %d", n)
		}
		return "", "", err
	}
	rawKey, rawValue, ok := strings.Cut(string(buf), "=")
	if !ok {
		return "", "", malformed("body has no '='")
	}
	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		return "", "", malformed("decode key: %v", err)
	}
	value, err := url.QueryUnescape(rawValue)
	if err != nil {
		return "", "", malformed("decode value: %v", err)
	}
	return key, value, nil
}

// readLine returns one line without its terminator. A final unterminated line
// is returned as-is; the following call reports io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineBytes {
			return "", malformed("line longer than %d bytes", MaxLineBytes)
		}
		switch {
		case err == nil:
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return trimEOL(line), nil
		default:
			return "", err
		}
	}
}

func trimEOL(b []byte) string {
	s := string(b)
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
