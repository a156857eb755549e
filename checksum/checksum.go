// Package checksum provides the two integrity algorithms used by the
// metadata encodings: reflected CRC-32 and Fletcher-32. Both are exposed
// behind one Algorithm so an encoding's checksum choice is configuration,
// not code.
package checksum

// Algorithm computes a 32-bit digest over a byte region.
type Algorithm interface {
	Sum32(data []byte) uint32
	Name() string
}

const crcPoly = 0xEDB88320

var crcTable [256]uint32

func init() {
	for i := uint32(0); i < 256; i++ {
		c := i
		for b := 0; b < 8; b++ {
			if c&1 != 0 {
				c = crcPoly ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		crcTable[i] = c
	}
}

// CRC32 is the reflected CRC-32 (poly 0xEDB88320), init 0xFFFFFFFF,
// final XOR 0xFFFFFFFF.
type CRC32 struct{}

func (CRC32) Name() string { return "crc32" }

func (CRC32) Sum32(data []byte) uint32 {
	return CRC32Update(0, data) // ^0xFFFFFFFF applied inside
}

// CRC32Update continues a digest; pass the previous Sum32 result as crc,
// or 0 to start fresh.
func CRC32Update(crc uint32, data []byte) uint32 {
	return CRC32Bare(crc^0xFFFFFFFF, data) ^ 0xFFFFFFFF
}

// CRC32Bare runs the table loop from an explicit register seed with no
// final inversion. Some descriptor formats fix their own pre and post
// conditioning, so the raw register is what they store.
func CRC32Bare(seed uint32, data []byte) uint32 {
	c := seed
	for _, b := range data {
		c = crcTable[(c^uint32(b))&0xFF] ^ (c >> 8)
	}
	return c
}

// Fletcher32 over the region interpreted as little-endian 16-bit words.
// A trailing odd byte is zero-padded.
type Fletcher32 struct{}

func (Fletcher32) Name() string { return "fletcher32" }

func (Fletcher32) Sum32(data []byte) uint32 {
	words := make([]uint16, 0, (len(data)+1)/2)
	for i := 0; i+1 < len(data); i += 2 {
		words = append(words, uint16(data[i])|uint16(data[i+1])<<8)
	}
	if len(data)%2 != 0 {
		words = append(words, uint16(data[len(data)-1]))
	}

	sum1 := uint32(0xFFFF)
	sum2 := uint32(0xFFFF)
	for len(words) > 0 {
		// 359 words is the largest batch that cannot overflow sum2
		batch := len(words)
		if batch > 359 {
			batch = 359
		}
		for _, w := range words[:batch] {
			sum1 += uint32(w)
			sum2 += sum1
		}
		words = words[batch:]
		sum1 = (sum1 & 0xFFFF) + (sum1 >> 16)
		sum2 = (sum2 & 0xFFFF) + (sum2 >> 16)
	}
	sum1 = (sum1 & 0xFFFF) + (sum1 >> 16)
	sum2 = (sum2 & 0xFFFF) + (sum2 >> 16)
	return sum2<<16 | sum1
}
