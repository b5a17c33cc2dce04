package protocol

// CRC-64 with the ECMA-182 polynomial, MSB first, zero initial value and no
// final xor. hash/crc64 only implements the reflected variant.
const crc64Poly = 0x42F0E1EBA9EA3693

var crc64Table = makeCRC64Table()

func makeCRC64Table() *[256]uint64 {
	var t [256]uint64
	for i := range t {
		crc := uint64(i) << 56
		for range 8 {
			if crc&(1<<63) != 0 {
				crc = crc<<1 ^ crc64Poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

// UpdateCRC64 returns the checksum of crc extended with p.
func UpdateCRC64(crc uint64, p []byte) uint64 {
	for _, b := range p {
		crc = crc64Table[byte(crc>>56)^b] ^ crc<<8
	}
	return crc
}

// CRC64 returns the body checksum carried in frame headers.
func CRC64(p []byte) uint64 {
	return UpdateCRC64(0, p)
}
