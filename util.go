package sox

import (
	"bufio"
	"bytes"

	"github.com/gobwas/httphead"
)

// strHasToken reports whether comma-separated list of tokens in header value
// contains token. Comparison is case-insensitive.
func strHasToken(header, token string) (has bool) {
	return btsHasToken([]byte(header), []byte(token))
}

func btsHasToken(header, token []byte) (has bool) {
	httphead.ScanTokens(header, func(v []byte) bool {
		has = bytes.EqualFold(v, token)
		return !has
	})
	return has
}

// strScanTokens calls it for every token of a comma-separated header value.
// It returns false if the value is malformed.
func strScanTokens(header string, it func(string) bool) bool {
	return httphead.ScanTokens([]byte(header), func(v []byte) bool {
		return it(string(v))
	})
}

// readLine reads line from br without trailing CRLF. Lines longer than max
// bytes are reported as ErrHandshakeMalformed.
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		bts, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Copy bytes because next read will discard them.
			line = append(line, bts...)
			if len(line) > max {
				return nil, ErrHandshakeMalformed
			}
			continue
		}

		// Avoid copy of single read.
		if line == nil {
			line = bts
		} else {
			line = append(line, bts...)
		}

		if err != nil {
			return line, err
		}

		break
	}
	if len(line) > max {
		return nil, ErrHandshakeMalformed
	}

	// Size of line is at least 1.
	// In other case bufio.ReadSlice() returns error.
	n := len(line)
	// Cut crlf or lf.
	if n > 1 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	return line[:n-1], nil
}
