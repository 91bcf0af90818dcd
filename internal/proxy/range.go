package proxy

import (
	"regexp"
	"strconv"
)

var (
	rangePattern        = regexp.MustCompile(`(?i)bytes=(\d+)-(\d*)`)
	contentRangePattern = regexp.MustCompile(`(?i)bytes\s+(\d+)-(\d+)/(\d+)`)
	contentRangeTotal   = regexp.MustCompile(`(?i)bytes\s+(?:\*|(\d+)-(\d+))/(\d+)`)
)

// ParsedRange is an inclusive byte span interpreted against a possibly
// unknown file size (fileSize == 0 means unknown).
type ParsedRange struct {
	Start int64
	End   int64
}

// Span returns the number of bytes covered by the range.
func (r ParsedRange) Span() int64 { return r.End - r.Start + 1 }

// ParseRange interprets a client Range header against fileSize, clamping the
// span to the file bounds and to maxRange. The second return value reports
// whether the header was present and parseable; absent or malformed headers
// yield the full (clamped) span.
func ParseRange(header string, fileSize, maxRange int64) (ParsedRange, bool) {
	full := ParsedRange{Start: 0, End: 0}
	if fileSize > 0 {
		full.End = fileSize - 1
	}
	full = clampRange(full, fileSize, maxRange)

	if header == "" {
		return full, false
	}
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return full, false
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return full, false
	}
	var end int64
	if m[2] != "" {
		end, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return full, false
		}
	} else if fileSize > 0 {
		end = fileSize - 1
	} else {
		// Open range against an unknown size: the outbound request uses
		// "bytes=start-" and End is only kept to satisfy Start <= End.
		end = start
	}

	return clampRange(ParsedRange{Start: start, End: end}, fileSize, maxRange), true
}

func clampRange(r ParsedRange, fileSize, maxRange int64) ParsedRange {
	if fileSize > 0 {
		if r.Start >= fileSize {
			r.Start, r.End = fileSize-1, fileSize-1
		}
		if r.End >= fileSize {
			r.End = fileSize - 1
		}
		if r.Start > r.End {
			r.Start, r.End = r.End, r.Start
		}
		if maxRange > 0 && r.Span() > maxRange {
			r.End = r.Start + maxRange - 1
		}
	} else if r.Start > r.End {
		r.Start, r.End = r.End, r.Start
	}
	return r
}

// parseContentRangeTotal extracts the total size from a Content-Range header
// ("bytes 0-999/2048" or "bytes */2048" style). Returns 0 when absent.
func parseContentRangeTotal(header string) int64 {
	m := contentRangeTotal.FindStringSubmatch(header)
	if m == nil {
		return 0
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// parseContentRangeSpan extracts end-start+1 from a full Content-Range
// header. Returns 0 when the header does not carry an explicit span.
func parseContentRangeSpan(header string) int64 {
	m := contentRangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0
	}
	start, err1 := strconv.ParseInt(m[1], 10, 64)
	end, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return 0
	}
	return end - start + 1
}
