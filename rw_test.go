package sox

import (
	"fmt"
	"strings"
)

type RWTestCase struct {
	Label  string
	Data   []byte
	Header Header
	Err    error
}

var RWTestCases = []RWTestCase{
	{
		Label: "text-100",
		Data:  bits("1 000 0001 0 1100100"),
		//          _ ___ ____ _ _______
		//          |  |   |   |    |
		//         Fin |   |  Mask Length
		//            Rsv  |
		//             TextFrame
		Header: Header{
			Fin:    true,
			OpCode: OpText,
			Length: 100,
		},
	},
	{
		Label: "rsv3-masked",
		Data:  bits("1 001 0001 1 1100100 00000001 10001000 00000000 11111111"),
		//          _ ___ ____ _ _______ ___________________________________
		//          |  |   |   |    |                     |
		//         Fin |   |  Mask Length             Mask value
		//            Rsv  |
		//             TextFrame
		Header: Header{
			Fin:    true,
			Rsv:    Rsv(false, false, true),
			OpCode: OpText,
			Length: 100,
			Masked: true,
			Mask:   [4]byte{0x01, 0x88, 0x00, 0xff},
		},
	},
	{
		Label: "len7-max",
		Data:  bits("1 000 0010 0 1111101"),
		Header: Header{
			Fin:    true,
			OpCode: OpBinary,
			Length: 125,
		},
	},
	{
		Label: "len16-min",
		Data:  bits("1 000 0010 0 1111110 00000000 01111110"),
		//                       _______ _________________
		//                          |            |
		//                        Length   Length value
		Header: Header{
			Fin:    true,
			OpCode: OpBinary,
			Length: 126,
		},
	},
	{
		Label: "len16-max",
		Data:  bits("1 000 0010 0 1111110 11111111 11111111"),
		Header: Header{
			Fin:    true,
			OpCode: OpBinary,
			Length: 65535,
		},
	},
	{
		Label: "len64-min",
		Data:  bits("1 000 0010 0 1111111 00000000 00000000 00000000 00000000 00000000 00000001 00000000 00000000"),
		Header: Header{
			Fin:    true,
			OpCode: OpBinary,
			Length: 65536,
		},
	},
	{
		Label: "rsv12-fragment",
		Data:  bits("0 110 0010 0 1111110 00001111 11111111"),
		//          _ ___ ____ _ _______ _________________
		//          |  |   |   |    |            |
		//         Fin |   |  Mask Length   Length value
		//            Rsv  |
		//             BinaryFrame
		Header: Header{
			Fin:    false,
			Rsv:    Rsv(true, true, false),
			OpCode: OpBinary,
			Length: 0x0fff,
		},
	},
	{
		Label: "pong-len64",
		Data:  bits("1 000 1010 0 1111111 01111111 00000000 00000000 00000000 00000000 00000000 00000000 00000000"),
		//          _ ___ ____ _ _______ _______________________________________________________________________
		//          |  |   |   |    |                                       |
		//         Fin |   |  Mask Length                              Length value
		//            Rsv  |
		//              PongFrame
		Header: Header{
			Fin:    true,
			OpCode: OpPong,
			Length: 0x7f00000000000000,
		},
	},
}

func bits(s string) []byte {
	s = strings.ReplaceAll(s, " ", "")
	bts := make([]byte, len(s)/8)

	for i, j := 0, 0; i < len(s); i, j = i+8, j+1 {
		fmt.Sscanf(s[i:], "%08b", &bts[j])
	}

	return bts
}
