/*
Package sox implements the wire level of the WebSocket protocol as specified
in RFC 6455, together with the small part of HTTP/1.1 needed to upgrade a
connection.

Frames are read and written with explicit header and payload steps:

	header, err := sox.ReadHeader(conn)
	if err != nil {
		// handle err
	}
	payload, err := sox.ReadPayload(conn, header)
	if err != nil {
		// handle err
	}

	if err := sox.WriteFrame(conn, sox.NewTextFrame("hello, world!")); err != nil {
		// handle err
	}

Frame payloads are always kept unmasked in memory. A masked frame is produced
by MaskFrame and the mask is applied by WriteFrame while the bytes go to the
wire.

Upgrade of a raw connection is done by Upgrader:

	br := bufio.NewReader(conn)
	hs, err := sox.Upgrader{}.Upgrade(br, conn)
	if err != nil {
		// the request was rejected
	}

Message level helpers live in the wsutil package and the connection
management in the server package.
*/
package sox
