package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseFilename parses the segment filename grammar
// "{generation}-{version}-{mergeGeneration}[.{level}].ext" into an ID, the
// optional level (-1 if absent), and the extension (with leading dot).
func ParseFilename(name string) (id ID, level int, ext string, err error) {
	level = -1

	dot := strings.Index(name, ".")
	stem := name
	if dot >= 0 {
		stem = name[:dot]
		ext = name[dot:]
		if next := strings.Index(ext[1:], "."); next >= 0 {
			if lv, err := strconv.Atoi(ext[1 : next+1]); err == nil && lv >= 0 {
				level = lv
				ext = ext[next+1:]
			}
		}
	}

	parts := strings.Split(stem, "-")
	if len(parts) < 3 {
		return id, -1, "", fmt.Errorf("segment: malformed filename %q: expected generation-version-mergeGen", name)
	}

	gen, err1 := strconv.ParseUint(parts[0], 10, 64)
	ver, err2 := strconv.ParseUint(parts[1], 10, 64)

	mergeField := parts[2]
	mergeGen, _, err3 := splitMergeAndLevel(mergeField)
	if err1 != nil || err2 != nil || err3 != nil {
		return id, -1, "", fmt.Errorf("segment: malformed filename %q: non-integer field", name)
	}

	return ID{Generation: gen, Version: ver, MergeGen: mergeGen}, level, ext, nil
}

// splitMergeAndLevel parses the dot-free merge-generation field. The
// optional ".{level}" is read from the dotted suffix by ParseFilename, so
// the level returned here is always -1.
func splitMergeAndLevel(field string) (mergeGen uint64, level int, err error) {
	mergeGen, err = strconv.ParseUint(field, 10, 64)
	return mergeGen, -1, err
}

// FormatFilename renders an ID (and optional level, -1 to omit) plus
// extension back into the canonical filename.
func FormatFilename(id ID, level int, ext string) string {
	if level >= 0 {
		return fmt.Sprintf("%d-%d-%d.%d%s", id.Generation, id.Version, id.MergeGen, level, ext)
	}
	return fmt.Sprintf("%d-%d-%d%s", id.Generation, id.Version, id.MergeGen, ext)
}

// ResourceSidecarPath returns the path of a segment's resource-descriptor
// sidecar: "<file>.resource".
func ResourceSidecarPath(segmentPath string) string { return segmentPath + ".resource" }

// ModsSidecarPath returns the path of a segment's tombstone sidecar:
// "<file>.mods".
func ModsSidecarPath(segmentPath string) string { return segmentPath + ".mods" }
