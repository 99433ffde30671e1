package sox

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"hash"
	"sync"
)

const (
	// RFC6455: The value of this header field MUST be a nonce consisting of a
	// randomly selected 16-byte value that has been base64-encoded (see
	// Section 4 of [RFC4648]).  The nonce MUST be selected randomly for each
	// connection.
	nonceKeySize = 16
	nonceSize    = 24 // base64.StdEncoding.EncodedLen(nonceKeySize)

	// RFC6455: The value of this header field is constructed by concatenating
	// /key/, defined above in step 4 in Section 4.2.2, with the string
	// "258EAFA5- E914-47DA-95CA-C5AB0DC85B11", taking the SHA-1 hash of this
	// concatenated value to obtain a 20-byte value and base64- encoding (see
	// Section 4 of [RFC4648]) this 20-byte hash.
	acceptSize = 28 // base64.StdEncoding.EncodedLen(sha1.Size)
)

// WebSocketMagic is the GUID appended to a client key to compute the accept
// key.
const WebSocketMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var sha1Pool sync.Pool

func acquireSha1() hash.Hash {
	if h := sha1Pool.Get(); h != nil {
		return h.(hash.Hash)
	}
	return sha1.New()
}

func releaseSha1(h hash.Hash) {
	h.Reset()
	sha1Pool.Put(h)
}

// NewNonce returns a random base64-encoded 16-byte value suitable for the
// Sec-WebSocket-Key request header.
func NewNonce() string {
	var key [nonceKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic("sox: rand read error: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(key[:])
}

// AcceptKey computes the Sec-WebSocket-Accept value for the given
// Sec-WebSocket-Key value.
func AcceptKey(nonce string) string {
	sha := acquireSha1()
	defer releaseSha1(sha)

	sha.Write([]byte(nonce))
	sha.Write([]byte(WebSocketMagic))

	var sb [sha1.Size]byte
	return base64.StdEncoding.EncodeToString(sha.Sum(sb[:0]))
}

// CheckAccept reports whether accept is the valid answer to nonce.
func CheckAccept(accept, nonce string) bool {
	return len(accept) == acceptSize && AcceptKey(nonce) == accept
}
