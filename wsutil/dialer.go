package wsutil

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielfoord/sox"
	"github.com/gobwas/pool/pbufio"
)

// Constants used by Dialer.
const (
	DefaultClientReadBufferSize  = 4096
	DefaultClientWriteBufferSize = 4096
)

// Errors used by the websocket client.
var (
	ErrHandshakeBadScheme      = errors.New("handshake error: url scheme is not ws or wss")
	ErrHandshakeBadProtocol    = errors.New("handshake error: response HTTP version is less than 1.1")
	ErrHandshakeBadUpgrade     = errors.New("handshake error: unexpected Upgrade header in response")
	ErrHandshakeBadConnection  = errors.New("handshake error: unexpected Connection header in response")
	ErrHandshakeBadSecAccept   = errors.New("handshake error: invalid Sec-WebSocket-Accept header in response")
	ErrHandshakeBadSubProtocol = errors.New("handshake error: unexpected protocol in Sec-WebSocket-Protocol header")
)

// StatusError contains an unexpected status-line code from the server.
type StatusError int

func (s StatusError) Error() string {
	return "unexpected HTTP response status: " + strconv.Itoa(int(s))
}

// Handshake represents client side handshake result.
type Handshake struct {
	// Protocol is the subprotocol selected during handshake.
	Protocol string
	// Header holds the response headers.
	Header http.Header
}

// Dialer contains options for establishing websocket connection to an url.
type Dialer struct {
	// ReadBufferSize and WriteBufferSize is an I/O buffer sizes.
	// They used to read and write http data while upgrading to WebSocket.
	//
	// If a size is zero then default value is used.
	ReadBufferSize, WriteBufferSize int

	// Timeout is the maximum amount of time a Dial() will wait for a connect
	// and an handshake to complete.
	//
	// The default is no timeout.
	Timeout time.Duration

	// Protocols is the list of subprotocols that the client wants to speak,
	// ordered by preference.
	Protocols []string

	// Header is an optional set of headers added to the upgrade request.
	Header http.Header

	// NetDial is the function that is used to get plain tcp connection.
	// If it is not nil, then it is used instead of net.Dialer.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSConfig is passed to tls.Client() to start TLS over established
	// connection for "wss" urls. If its ServerName is empty, then for every
	// Dial() it will be cloned and appropriate ServerName will be set.
	TLSConfig *tls.Config
}

// Dial connects to the url host and upgrades connection to WebSocket.
//
// Returned bufio.Reader must be used for further reads from conn because it
// may hold frames sent by the server right after the handshake. It should be
// returned to the pool with PutReader after use.
func (d Dialer) Dial(ctx context.Context, urlstr string) (conn net.Conn, br *bufio.Reader, hs Handshake, err error) {
	u, err := url.ParseRequestURI(urlstr)
	if err != nil {
		return
	}
	if t := d.Timeout; t != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if conn, err = d.dial(ctx, u); err != nil {
		return
	}
	br, hs, err = d.request(ctx, conn, u)
	if err != nil {
		conn.Close()
	}
	return
}

// PutReader returns bufio.Reader instance to the inner reuse pool.
func PutReader(br *bufio.Reader) {
	pbufio.PutReader(br)
}

var netEmptyDialer net.Dialer

func hostport(host string, defaultPort string) (hostname, addr string) {
	var (
		colon   = strings.LastIndexByte(host, ':')
		bracket = strings.IndexByte(host, ']')
	)
	if colon > bracket {
		return host[:colon], host
	}
	return host, host + defaultPort
}

func (d Dialer) dial(ctx context.Context, u *url.URL) (conn net.Conn, err error) {
	dial := d.NetDial
	if dial == nil {
		dial = netEmptyDialer.DialContext
	}
	switch u.Scheme {
	case "ws":
		_, addr := hostport(u.Host, ":80")
		return dial(ctx, "tcp", addr)

	case "wss":
		hostname, addr := hostport(u.Host, ":443")
		if conn, err = dial(ctx, "tcp", addr); err != nil {
			return nil, err
		}
		config := d.TLSConfig
		if config == nil {
			config = &tls.Config{}
		}
		if config.ServerName == "" {
			config = config.Clone()
			config.ServerName = hostname
		}
		tc := tls.Client(conn, config)
		if err = tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tc, nil

	default:
		return nil, ErrHandshakeBadScheme
	}
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate
// cancelation of i/o.
var aLongTimeAgo = time.Unix(42, 0)

// request sends request to the given connection and reads a response.
func (d Dialer) request(ctx context.Context, conn net.Conn, u *url.URL) (br *bufio.Reader, hs Handshake, err error) {
	if ctx.Done() != nil {
		// Context could be canceled or its deadline could be exceeded.
		// Start the interrupter goroutine to handle context cancelation.
		var (
			done      = make(chan struct{})
			interrupt = make(chan error, 1)
		)
		defer func() {
			close(done)
			if ctxErr := <-interrupt; ctxErr != nil && (err == nil || isTimeoutError(err)) {
				err = ctxErr
			}
			if err != nil && br != nil {
				pbufio.PutReader(br)
				br = nil
			}
		}()
		go func() {
			select {
			case <-done:
				interrupt <- nil
			case <-ctx.Done():
				// Cancel i/o immediately.
				conn.SetDeadline(aLongTimeAgo)
				interrupt <- ctx.Err()
			}
		}()
	}

	nonce := sox.NewNonce()

	bw := pbufio.GetWriter(conn, nonZero(d.WriteBufferSize, DefaultClientWriteBufferSize))
	writeUpgradeRequest(bw, u, nonce, d.Protocols, d.Header)
	err = bw.Flush()
	pbufio.PutWriter(bw)
	if err != nil {
		return
	}

	br = pbufio.GetReader(conn, nonZero(d.ReadBufferSize, DefaultClientReadBufferSize))

	// Begin validation of the response.
	// See https://tools.ietf.org/html/rfc6455#section-4.2.2
	resp, err := sox.ReadResponse(br)
	if err != nil {
		return
	}
	if resp.Major != 1 || resp.Minor < 1 {
		err = ErrHandshakeBadProtocol
		return
	}
	if resp.Status != http.StatusSwitchingProtocols {
		err = StatusError(resp.Status)
		return
	}
	h := resp.Header
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		err = ErrHandshakeBadUpgrade
		return
	}
	// Note that as RFC6455 says:
	//   > A |Connection| header field with value "Upgrade".
	if !strings.EqualFold(h.Get("Connection"), "upgrade") {
		err = ErrHandshakeBadConnection
		return
	}
	if !sox.CheckAccept(h.Get("Sec-Websocket-Accept"), nonce) {
		err = ErrHandshakeBadSecAccept
		return
	}
	if p := h.Get("Sec-Websocket-Protocol"); p != "" {
		// RFC6455 1.3:
		//   "The server selects one or none of the acceptable protocols
		//   and echoes that value in its handshake to indicate that it has
		//   selected that protocol."
		for _, want := range d.Protocols {
			if p == want {
				hs.Protocol = want
				break
			}
		}
		if hs.Protocol == "" {
			err = ErrHandshakeBadSubProtocol
			return
		}
	}
	hs.Header = h

	return br, hs, nil
}

func writeUpgradeRequest(bw *bufio.Writer, u *url.URL, nonce string, protocols []string, header http.Header) {
	bw.WriteString("GET ")
	bw.WriteString(u.RequestURI())
	bw.WriteString(" HTTP/1.1\r\n")

	writeHeader(bw, "Host", u.Host)
	writeHeader(bw, "Upgrade", "websocket")
	writeHeader(bw, "Connection", "Upgrade")
	writeHeader(bw, "Sec-WebSocket-Version", "13")
	writeHeader(bw, "Sec-WebSocket-Key", nonce)
	if len(protocols) > 0 {
		writeHeader(bw, "Sec-WebSocket-Protocol", strings.Join(protocols, ", "))
	}
	for k, vs := range header {
		for _, v := range vs {
			writeHeader(bw, k, v)
		}
	}

	bw.WriteString("\r\n")
}

func writeHeader(bw *bufio.Writer, k, v string) {
	bw.WriteString(k)
	bw.WriteString(": ")
	bw.WriteString(v)
	bw.WriteString("\r\n")
}

func isTimeoutError(err error) bool {
	var t net.Error
	return errors.As(err, &t) && t.Timeout()
}

func nonZero(a, b int) int {
	if a == 0 {
		return b
	}
	return a
}
