// Package hash provides the checksums used by ntuple envelopes and uploads.
//
// All checksums use CRC32-Castagnoli (CRC32C), which Go's crc32 package
// accelerates with SSE4.2 on x86 and the CRC extension on ARM.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums (e.g. an envelope frame written in pieces):
//
//	h := hash.NewCRC32C()
//	h.Write(frameHeader)
//	h.Write(payload)
//	checksum := h.Sum32()
package hash
