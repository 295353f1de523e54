// Package compress implements the page and envelope compressor.
//
// A compression setting is a single integer of the form algorithm*100+level:
//
//	0     no compression
//	404   LZ4 (level is advisory, block mode is always used)
//	505   ZSTD at level 5 (mapped onto klauspost/compress encoder levels)
//
// Zip never expands its input. When the compressed frame would not be strictly
// smaller than the input, the input is stored verbatim, and Unzip recognises such
// raw payloads because their length equals the expected uncompressed size.
//
// Compressed frames carry a 5-byte header:
//
//	[Algorithm uint8][UncompressedSize uint32 LE][Data...]
package compress
