package sox

import "encoding/binary"

var remain = [4]int{0, 3, 2, 1}

// Cipher applies XOR cipher to the payload using mask.
// Offset is used to cipher chunked data (e.g. in io.Reader implementations).
//
// To convert masked data into unmasked data, or vice versa, the following
// algorithm is applied.  The same algorithm applies regardless of the
// direction of the translation, e.g., the same steps are applied to
// mask the data as to unmask the data.
//
//	output[i] = input[i] ^ mask[(offset+i) % 4]
func Cipher(payload []byte, mask [4]byte, offset int) {
	n := len(payload)
	if n < 8 {
		for i := 0; i < n; i++ {
			payload[i] ^= mask[(offset+i)%4]
		}
		return
	}

	// Calculate position in mask due to previously processed bytes number.
	mpos := offset % 4
	// Count number of bytes will processed one by one from the beginning of payload.
	ln := remain[mpos]

	for i := 0; i < ln; i++ {
		payload[i] ^= mask[(mpos+i)%4]
	}

	// Mask is aligned with payload now, so process it by 8 bytes.
	var m8 [8]byte
	for i := range m8 {
		m8[i] = mask[i%4]
	}
	m := binary.LittleEndian.Uint64(m8[:])

	i := ln
	for ; i+8 <= n; i += 8 {
		v := binary.LittleEndian.Uint64(payload[i:])
		binary.LittleEndian.PutUint64(payload[i:], v^m)
	}
	for ; i < n; i++ {
		payload[i] ^= mask[(mpos+i)%4]
	}
}
