package model

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Filenames of the form {slug}-{yyyy}-q{1..4}-{sv|no|en}.pdf are preferred,
// but any name containing a quarter/year pair in either order is accepted.
var (
	qFirstRe = regexp.MustCompile(`(?i)q([1-4])[-_](\d{4})`)
	yFirstRe = regexp.MustCompile(`(?i)(\d{4})[-_]q([1-4])`)
	langRe   = regexp.MustCompile(`(?i)[-_](sv|no|en)\.pdf$`)
)

// FileInfo is the metadata recoverable from a report filename.
type FileInfo struct {
	Quarter  int
	Year     int
	Language Language
}

// ParseFilename extracts quarter, year, and language from a report filename.
// ok is false when no quarter/year pair is present; the pipeline then falls
// back to Pass 1 metadata and skips cache-hit detection.
func ParseFilename(path string) (FileInfo, bool) {
	name := filepath.Base(path)
	var info FileInfo

	if m := langRe.FindStringSubmatch(name); m != nil {
		info.Language = Language(strings.ToLower(m[1]))
	}

	if m := yFirstRe.FindStringSubmatch(name); m != nil {
		info.Year, _ = strconv.Atoi(m[1])
		info.Quarter, _ = strconv.Atoi(m[2])
	} else if m := qFirstRe.FindStringSubmatch(name); m != nil {
		info.Quarter, _ = strconv.Atoi(m[1])
		info.Year, _ = strconv.Atoi(m[2])
	} else {
		return info, false
	}

	if info.Year < 2000 || info.Year > 2100 {
		return FileInfo{Language: info.Language}, false
	}
	return info, true
}
