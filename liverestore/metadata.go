package liverestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/livefs/livefs/fs"
	"github.com/livefs/livefs/lib/ranges"
)

// MetadataKey is the config key the extent list is stored under in a
// file's metadata. A missing key, or an empty value, means the file is
// complete.
const MetadataKey = "live_restore"

// encodeExtents converts a hole list to its compact textual form. Offsets
// are stored as deltas from the previous extent's offset to keep the
// string short; the first offset is absolute.
func encodeExtents(holes ranges.Ranges) string {
	var b strings.Builder
	prev := int64(0)
	for i, hole := range holes {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatInt(hole.Pos-prev, 10))
		b.WriteByte('-')
		b.WriteString(strconv.FormatInt(hole.Size, 10))
		prev = hole.Pos
	}
	return b.String()
}

// decodeExtents parses the textual form back into a hole list, validating
// it against the source file size. On any error nothing is returned.
func decodeExtents(text string, sourceSize int64) (ranges.Ranges, error) {
	var holes ranges.Ranges
	off := int64(0)
	for _, part := range strings.Split(text, ";") {
		dash := strings.IndexByte(part, '-')
		if dash < 0 {
			return nil, fmt.Errorf("invalid separator in extent string %q: %w", text, fs.ErrorInvalid)
		}
		delta, err := parseExtentNumber(part[:dash])
		if err != nil {
			return nil, fmt.Errorf("invalid offset in extent string %q: %w", text, fs.ErrorInvalid)
		}
		length, err := parseExtentNumber(part[dash+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid length in extent string %q: %w", text, fs.ErrorInvalid)
		}
		if length == 0 {
			return nil, fmt.Errorf("length zero extent in %q: %w", text, fs.ErrorInvalid)
		}
		off += delta
		hole := ranges.Range{Pos: off, Size: length}
		if last := len(holes) - 1; last >= 0 && holes[last].End() > hole.Pos {
			return nil, fmt.Errorf("overlapping extents in %q: %w", text, fs.ErrorInvalid)
		}
		if hole.End() > sourceSize {
			return nil, fmt.Errorf("extent %d-%d reaches past the end of the source file (%d bytes): %w",
				hole.Pos, hole.End(), sourceSize, fs.ErrorInvalid)
		}
		holes = append(holes, hole)
	}
	return holes, nil
}

// parseExtentNumber parses a decimal number, rejecting signs, blanks and
// anything else ParseInt would let through.
func parseExtentNumber(s string) (int64, error) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, fs.ErrorInvalid
	}
	return strconv.ParseInt(s, 10, 64)
}

// ExtentMetadata returns the handle's hole list in the form stored in the
// file's metadata config, with the leading ",live_restore=" included.
// Once the handle is complete, or migration has moved past the background
// phase, there is nothing to track and fs.ErrorNotFound is returned so
// the caller omits the key.
func (h *FileHandle) ExtentMetadata() (string, error) {
	if h.f.State().MigrationComplete() {
		return "", fs.ErrorNotFound
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.complete {
		return "", fs.ErrorNotFound
	}
	return "," + MetadataKey + "=" + encodeExtents(h.holes), nil
}

// ImportExtents reconstructs the hole list from the metadata string saved
// at the last checkpoint. An empty string means the file is complete -
// unless the destination file was just created, in which case the full
// length hole seeded at open stands.
func (h *FileHandle) ImportExtents(text string) error {
	if h.f.State().MigrationComplete() {
		if text != "" {
			return fmt.Errorf("metadata extent list for %q is not empty after migration finished: %w", h.name, fs.ErrorInvalid)
		}
		return nil
	}

	h.mu.Lock()
	if len(h.holes) > 0 {
		// Only a newly created file has holes before import, and its
		// metadata cannot name any extents yet.
		defer h.mu.Unlock()
		if text != "" {
			return fmt.Errorf("extent list for %q is not empty while importing: %w", h.name, fs.ErrorInvalid)
		}
		return nil
	}

	if text == "" {
		h.complete = true
		source := h.source
		h.source = nil
		h.mu.Unlock()
		if source != nil {
			return source.Close()
		}
		return nil
	}

	holes, err := decodeExtents(text, h.sourceSize)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	fs.Debugf(h, "imported extent list %q", text)
	h.holes = holes
	h.mu.Unlock()
	return nil
}
