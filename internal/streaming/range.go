package streaming

import (
	"errors"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned when a Range header lies outside the
// current bounds of the file.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// errMalformedRange marks headers that are ignored in favor of a full
// response (multi-range, unknown unit, garbage).
var errMalformedRange = errors.New("malformed range")

// FullRange returns the range covering the whole file.
func FullRange(size int64) ByteRange {
	return ByteRange{Start: 0, End: size - 1}
}

// Negotiate validates a Range header against the file size observed on this
// request. An empty or unparseable header yields the full file with Partial
// unset; only single ranges are honored.
func Negotiate(header string, size int64) (ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return FullRange(size), nil
	}

	start, end, err := parseByteRange(header, size)
	if errors.Is(err, errMalformedRange) {
		return FullRange(size), nil
	}
	if err != nil {
		return ByteRange{}, err
	}

	return ByteRange{Start: start, End: end, Partial: true}, nil
}

// parseByteRange parses "bytes=start-end", "bytes=start-" and "bytes=-suffix".
func parseByteRange(value string, size int64) (int64, int64, error) {
	if len(value) < len("bytes=") || !strings.EqualFold(value[:len("bytes=")], "bytes=") {
		return 0, 0, errMalformedRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errMalformedRange
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, errMalformedRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errMalformedRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix < 0 {
			return 0, 0, errMalformedRange
		}
		if suffix == 0 || size <= 0 {
			return 0, 0, ErrRangeNotSatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errMalformedRange
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, errMalformedRange
		}
	}

	if start >= size || end >= size || start > end {
		return 0, 0, ErrRangeNotSatisfiable
	}

	return start, end, nil
}
