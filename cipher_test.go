package sox

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCipherMatchesNaive(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for offset := 0; offset < 4; offset++ {
		for n := 0; n < 40; n++ {
			p := make([]byte, n)
			rnd.Read(p)
			var m [4]byte
			rnd.Read(m[:])

			exp := cipherNaive(p, m, offset)
			act := make([]byte, n)
			copy(act, p)
			Cipher(act, m, offset)

			assert.Equal(t, exp, act, "offset=%d n=%d", offset, n)
		}
	}
}

func TestCipherIsInvolution(t *testing.T) {
	p := []byte("Hello, XOR! Some longer payload to cross the word size.")
	m := [4]byte{1, 2, 3, 4}

	b := append([]byte(nil), p...)
	Cipher(b, m, 0)
	assert.NotEqual(t, p, b)
	Cipher(b, m, 0)
	assert.Equal(t, p, b)
}

func TestCipherChunks(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for n := 2; n <= 1024; n <<= 1 {
		t.Run(fmt.Sprintf("%d", n), func(t *testing.T) {
			p := make([]byte, n)
			rnd.Read(p)
			var m [4]byte
			rnd.Read(m[:])
			exp := cipherNaive(p, m, 0)

			b := append([]byte(nil), p...)
			for l := 0; l < n; {
				r := rnd.Intn(n-l) + l + 1
				Cipher(b[l:r], m, l)
				l = r
			}
			assert.Equal(t, exp, b)
		})
	}
}

func cipherNaive(p []byte, m [4]byte, pos int) []byte {
	r := make([]byte, len(p))
	for i := range p {
		r[i] = p[i] ^ m[(pos+i)%4]
	}
	return r
}

func BenchmarkCipher(b *testing.B) {
	for _, size := range []int{7, 125, 1024, 4096, 1<<15 + 7} {
		bts := make([]byte, size)
		mask := NewMask()
		b.Run(fmt.Sprintf("bytes=%d", size), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				Cipher(bts, mask, i)
			}
		})
	}
}
