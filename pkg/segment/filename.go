package segment

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileExt is the extension of segment files.
const FileExt = ".seg"

// seqDigits pads sequence numbers so lexical and numeric filename order
// agree for any realistic sequence.
const seqDigits = 10

// Filename returns the file name of the segment with the given sequence
// number: <prefix>_<sequence>.seg.
func Filename(prefix string, seq uint64) string {
	return fmt.Sprintf("%s_%0*d%s", prefix, seqDigits, seq, FileExt)
}

// ParseFilename extracts the sequence number from a segment file name.
// Zero padding is accepted but not required; ordering always follows the
// numeric value. Names that do not carry a positive decimal sequence are
// rejected.
func ParseFilename(name, prefix string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, FileExt)
	if !ok || digits == "" {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

// FileRef names one discovered segment file.
type FileRef struct {
	Seq  uint64
	Path string
}

// List finds the segment files in dir with the given prefix and returns
// them in ascending sequence order. Files that match the naming pattern
// but carry an unparseable sequence are returned in skipped so the caller
// can report them. Two files resolving to the same sequence make the
// directory ambiguous and are an error.
func List(dir, prefix string) (refs []FileRef, skipped []string, err error) {
	pattern := filepath.Join(dir, prefix+"_*"+FileExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "globbing segment files in %s", dir)
	}

	seen := make(map[uint64]string)
	for _, match := range matches {
		name := filepath.Base(match)
		seq, ok := ParseFilename(name, prefix)
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		if prev, dup := seen[seq]; dup {
			return nil, nil, errors.Errorf("segment files %s and %s both have sequence %d", prev, name, seq)
		}
		seen[seq] = name
		refs = append(refs, FileRef{Seq: seq, Path: match})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Seq < refs[j].Seq })
	return refs, skipped, nil
}
