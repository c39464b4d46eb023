package edt

import (
	"encoding/binary"
	"fmt"
)

// argv.go packs a mainEdt's command-line arguments into a single data
// block payload, grounded byte-for-byte on
// original_source/ocr/src/driver/ocr-driver.c's packUserArguments and
// decoded the way ocr.c's ocrGetArgc/ocrGetArgv read it back:
//
//	[totalSize:u64][argc:u64][offsets:u64 * argc][strings...]
//
// totalSize covers everything after itself (argc, the offset table,
// and the strings) and is stripped before the block reaches the EDT,
// matching the original's comment that the runtime strips the first
// u64 before handing the block to mainEdt. Offsets are byte offsets
// from the start of the stripped view (i.e. relative to the argc
// field), each pointing at a NUL-terminated string.

// PackArgs builds the full wire payload for a data block that will
// back a mainEdt's argc/argv dependence, including the leading
// totalSize field a DB_CREATE handler strips before scheduling.
func PackArgs(args []string) []byte {
	argc := uint64(len(args))
	headerLen := 8 * (1 + argc) // argc field + one offset per arg
	var strLen uint64
	for _, a := range args {
		strLen += uint64(len(a)) + 1 // +1 for the NUL terminator
	}
	totalSize := headerLen + strLen

	buf := make([]byte, 8+totalSize)
	binary.LittleEndian.PutUint64(buf[0:8], totalSize)
	binary.LittleEndian.PutUint64(buf[8:16], argc)

	offset := headerLen
	strStart := 8 + headerLen
	for i, a := range args {
		binary.LittleEndian.PutUint64(buf[16+8*uint64(i):24+8*uint64(i)], offset)
		offset += uint64(len(a)) + 1
	}
	pos := strStart
	for _, a := range args {
		copy(buf[pos:], a)
		buf[pos+uint64(len(a))] = 0
		pos += uint64(len(a)) + 1
	}
	return buf
}

// StripHeader drops the leading totalSize field, producing the view a
// mainEdt's dependence slot actually carries (what GetArgc/GetArgv
// expect).
func StripHeader(payload []byte) []byte {
	if len(payload) < 8 {
		return nil
	}
	return payload[8:]
}

// GetArgc is the Go-idiomatic ocrGetArgc: the stripped payload's
// argument count.
func GetArgc(stripped []byte) (uint64, error) {
	if len(stripped) < 8 {
		return 0, fmt.Errorf("edt: argv payload too short for argc field")
	}
	return binary.LittleEndian.Uint64(stripped[0:8]), nil
}

// GetArgv is the Go-idiomatic ocrGetArgv: the i'th NUL-terminated
// argument string, 0 <= i < argc.
func GetArgv(stripped []byte, i uint64) (string, error) {
	argc, err := GetArgc(stripped)
	if err != nil {
		return "", err
	}
	if i >= argc {
		return "", fmt.Errorf("edt: argv index %d out of range (argc=%d)", i, argc)
	}
	offsetPos := 8 + 8*i
	if offsetPos+8 > uint64(len(stripped)) {
		return "", fmt.Errorf("edt: argv offset table truncated")
	}
	offset := binary.LittleEndian.Uint64(stripped[offsetPos : offsetPos+8])
	if offset >= uint64(len(stripped)) {
		return "", fmt.Errorf("edt: argv string offset %d out of range", offset)
	}
	end := offset
	for end < uint64(len(stripped)) && stripped[end] != 0 {
		end++
	}
	return string(stripped[offset:end]), nil
}
