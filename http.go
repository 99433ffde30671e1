package sox

import (
	"bufio"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/gobwas/httphead"
	"github.com/gobwas/pool/pbufio"
)

const (
	headerHost          = "Host"
	headerUpgrade       = "Upgrade"
	headerConnection    = "Connection"
	headerOrigin        = "Origin"
	headerSecVersion    = "Sec-Websocket-Version"
	headerSecProtocol   = "Sec-Websocket-Protocol"
	headerSecExtensions = "Sec-Websocket-Extensions"
	headerSecKey        = "Sec-Websocket-Key"
	headerSecAccept     = "Sec-Websocket-Accept"
)

// Limits applied while reading an upgrade request.
const (
	MaxRequestLineSize = 8192
	MaxHeaderLines     = 100
)

const (
	crlf          = "\r\n"
	colonAndSpace = ": "
)

// Request is the part of an HTTP/1.x request needed to perform the
// WebSocket handshake. Body is never read.
type Request struct {
	Method       string
	URI          string
	Major, Minor int
	// Header keys are canonicalized with http.CanonicalHeaderKey.
	Header http.Header
}

// ReadRequest reads request line and headers from br up to the empty line
// that terminates them.
//
// Syntax errors are reported as ErrHandshakeMalformed. I/O errors, including
// io.EOF before the request line, are returned as is.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br, MaxRequestLineSize)
	if err != nil {
		return nil, err
	}
	rl, ok := httphead.ParseRequestLine(line)
	if !ok {
		return nil, ErrHandshakeMalformed
	}
	req := &Request{
		Method: string(rl.Method),
		URI:    string(rl.URI),
		Major:  rl.Version.Major,
		Minor:  rl.Version.Minor,
	}
	if req.Header, err = readHeader(br); err != nil {
		return nil, err
	}
	return req, nil
}

// Response is the head of an HTTP/1.x response.
type Response struct {
	Major, Minor int
	Status       int
	Reason       string
	Header       http.Header
}

// ReadResponse reads status line and headers of a response from br.
// The body, if any, is left unread in br.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	line, err := readLine(br, MaxRequestLineSize)
	if err != nil {
		return nil, err
	}
	sl, ok := httphead.ParseResponseLine(line)
	if !ok {
		return nil, ErrHandshakeMalformed
	}
	resp := &Response{
		Major:  sl.Version.Major,
		Minor:  sl.Version.Minor,
		Status: sl.Status,
		Reason: string(sl.Reason),
	}
	if resp.Header, err = readHeader(br); err != nil {
		return nil, err
	}
	return resp, nil
}

func readHeader(br *bufio.Reader) (http.Header, error) {
	h := make(http.Header)
	for n := 0; ; n++ {
		if n > MaxHeaderLines {
			return nil, ErrHandshakeMalformed
		}
		line, err := readLine(br, MaxRequestLineSize)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			// Blank line, no more lines to read.
			return h, nil
		}
		k, v, ok := httphead.ParseHeaderLine(line)
		if !ok {
			return nil, ErrHandshakeMalformed
		}
		h.Add(http.CanonicalHeaderKey(string(k)), string(v))
	}
}

// ProtoAtLeast reports whether the HTTP protocol used in the request is at
// least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.Major > major || r.Major == major && r.Minor >= minor
}

// WriteResponse renders an HTTP/1.1 response head with given status code and
// headers in sorted key order, followed by body if it is not empty. Content-Length is set for
// non-empty bodies.
func WriteResponse(w io.Writer, code int, h http.Header, body string) error {
	bw := pbufio.GetWriter(w, 512)
	defer pbufio.PutWriter(bw)

	bw.WriteString("HTTP/1.1 ")
	bw.WriteString(strconv.Itoa(code))
	bw.WriteByte(' ')
	bw.WriteString(http.StatusText(code))
	bw.WriteString(crlf)

	for _, k := range slices.Sorted(maps.Keys(h)) {
		for _, v := range h[k] {
			httpWriteHeader(bw, k, v)
		}
	}
	if body != "" {
		httpWriteHeader(bw, "Content-Length", strconv.Itoa(len(body)))
	}
	bw.WriteString(crlf)
	bw.WriteString(body)

	return bw.Flush()
}

func httpWriteHeader(bw *bufio.Writer, key, value string) {
	bw.WriteString(key)
	bw.WriteString(colonAndSpace)
	bw.WriteString(value)
	bw.WriteString(crlf)
}
