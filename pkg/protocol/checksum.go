package protocol

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC32 hashes a frame's payload bytes.
func ComputeCRC32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// ValidateCRC32 reports whether data matches an expected checksum.
func ValidateCRC32(data []byte, expected uint32) bool {
	return ComputeCRC32(data) == expected
}
