package accurion

const (
	// RawDataKey is the tEXt keyword of the private raw-data chunk.
	RawDataKey = ".ACCURION_RAWDATA"

	// rawSubHeaderSize is the fixed LabVIEW sub-header that follows the keyword terminator.
	// Its first two bytes hold an additional big-endian skip distance.
	rawSubHeaderSize = 12
)

const (
	signatureSize   = 8
	chunkPrefixSize = 8 // u32 length + 4-byte type
	checksumSize    = 4
	ihdrFixedSize   = 10 // width, height, bit depth, color type
)

const (
	tagIHDR = "IHDR"
	tagTEXT = "tEXt"
	tagSBIT = "sBIT"
	tagIEND = "IEND"
)

const colorTypeGrayscale = 0
