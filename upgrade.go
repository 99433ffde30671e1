package sox

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HandshakeError describes a failed upgrade request. Status is the HTTP status
// code the request should be rejected with.
type HandshakeError struct {
	Status int
	reason string
}

func (e *HandshakeError) Error() string {
	return "handshake error: " + e.reason
}

func handshakeError(status int, reason string) error {
	return &HandshakeError{Status: status, reason: reason}
}

// Errors returned when upgrade request is not valid.
var (
	ErrHandshakeMalformed   = handshakeError(http.StatusBadRequest, "malformed HTTP request")
	ErrHandshakeBadMethod   = handshakeError(http.StatusBadRequest, "request method is not GET")
	ErrHandshakeBadProtocol = handshakeError(http.StatusBadRequest, "HTTP version is less than 1.1")
	ErrHandshakeBadHost     = handshakeError(http.StatusBadRequest, "missing Host header")
	ErrHandshakeBadUpgrade  = handshakeError(http.StatusBadRequest, "Upgrade header is not websocket")
	ErrHandshakeBadConn     = handshakeError(http.StatusBadRequest, "Connection header lacks upgrade token")
	ErrHandshakeBadSecKey   = handshakeError(http.StatusBadRequest, "invalid Sec-WebSocket-Key header")
	ErrHandshakeBadVersion  = handshakeError(http.StatusUpgradeRequired, "unsupported Sec-WebSocket-Version")
)

// IsHandshakeError reports whether err is or wraps a *HandshakeError.
func IsHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}

// Handshake describes a negotiated WebSocket upgrade.
type Handshake struct {
	// Path is the path part of request URI.
	Path   string
	Host   string
	Origin string

	// Protocols lists subprotocols offered by the client in order.
	Protocols []string
	// Protocol is the subprotocol selected by Upgrader.Protocol, if any.
	Protocol string

	// Key is the client Sec-WebSocket-Key value and Accept is the computed
	// Sec-WebSocket-Accept value.
	Key    string
	Accept string

	// Header holds all request headers.
	Header http.Header
}

// Upgrader validates upgrade requests and writes handshake responses.
// Zero value is ready to use.
type Upgrader struct {
	// Protocol is the select function that is used to select subprotocol
	// from list requested by client. If this field is set, then the first matched
	// protocol is sent to a client as negotiated.
	Protocol func(string) bool

	// Header is an optional set of headers sent with every successful
	// upgrade response.
	Header http.Header
}

// Negotiate checks that req is a valid WebSocket upgrade request and
// returns the handshake to answer it with.
// See https://tools.ietf.org/html/rfc6455#section-4.2.1
func (u Upgrader) Negotiate(req *Request) (hs Handshake, err error) {
	// The method of the request MUST be GET, and the HTTP version MUST be at least 1.1.
	if req.Method != http.MethodGet {
		return hs, ErrHandshakeBadMethod
	}
	if !req.ProtoAtLeast(1, 1) {
		return hs, ErrHandshakeBadProtocol
	}
	uri, e := url.ParseRequestURI(req.URI)
	if e != nil {
		return hs, ErrHandshakeMalformed
	}
	h := req.Header
	if hs.Host = h.Get(headerHost); hs.Host == "" {
		return hs, ErrHandshakeBadHost
	}
	if v := h.Get(headerUpgrade); !strings.EqualFold(v, "websocket") {
		return hs, ErrHandshakeBadUpgrade
	}
	if !headerHasToken(h, headerConnection, "upgrade") {
		return hs, ErrHandshakeBadConn
	}
	if hs.Key = h.Get(headerSecKey); len(hs.Key) != nonceSize {
		return hs, ErrHandshakeBadSecKey
	}
	if h.Get(headerSecVersion) != "13" {
		return hs, ErrHandshakeBadVersion
	}

	for _, v := range h.Values(headerSecProtocol) {
		ok := strScanTokens(v, func(p string) bool {
			hs.Protocols = append(hs.Protocols, p)
			if hs.Protocol == "" && u.Protocol != nil && u.Protocol(p) {
				hs.Protocol = p
			}
			return true
		})
		if !ok {
			return hs, ErrHandshakeMalformed
		}
	}

	hs.Path = uri.Path
	hs.Origin = h.Get(headerOrigin)
	hs.Accept = AcceptKey(hs.Key)
	hs.Header = h

	return hs, nil
}

// WriteUpgrade writes 101 Switching Protocols response for hs.
func (u Upgrader) WriteUpgrade(w io.Writer, hs Handshake) error {
	h := make(http.Header, len(u.Header)+4)
	for k, vs := range u.Header {
		h[http.CanonicalHeaderKey(k)] = vs
	}
	h.Set(headerUpgrade, "websocket")
	h.Set(headerConnection, "Upgrade")
	h.Set(headerSecAccept, hs.Accept)
	if hs.Protocol != "" {
		h.Set(headerSecProtocol, hs.Protocol)
	}
	return WriteResponse(w, http.StatusSwitchingProtocols, h, "")
}

// Upgrade reads an upgrade request from br and answers it on w.
// When the request is not a valid upgrade request it is rejected with an
// appropriate HTTP status and the validation error is returned.
func (u Upgrader) Upgrade(br *bufio.Reader, w io.Writer) (hs Handshake, err error) {
	req, err := ReadRequest(br)
	if err != nil {
		if IsHandshakeError(err) {
			WriteRejection(w, err)
		}
		return hs, err
	}
	if hs, err = u.Negotiate(req); err != nil {
		WriteRejection(w, err)
		return hs, err
	}
	return hs, u.WriteUpgrade(w, hs)
}

// WriteRejection writes response for failed handshake. The status code is
// taken from *HandshakeError found in err chain and defaults to
// 400 Bad Request.
func WriteRejection(w io.Writer, err error) error {
	status := http.StatusBadRequest
	var he *HandshakeError
	if errors.As(err, &he) {
		status = he.Status
	}
	h := http.Header{
		"Content-Type":           {"text/plain; charset=utf-8"},
		"X-Content-Type-Options": {"nosniff"},
		"Connection":             {"close"},
	}
	if status == http.StatusUpgradeRequired {
		h.Set(headerSecVersion, "13")
	}
	return WriteResponse(w, status, h, err.Error())
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		if strHasToken(v, token) {
			return true
		}
	}
	return false
}
