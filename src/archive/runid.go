package archive

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

const (
	RunPrefix     = "archive"
	CurrRunPrefix = "current"
)

var (
	runFileRegex  = regexp.MustCompile(`^archive\.([0-9]+)-([0-9]+)\.([0-9]+)$`)
	currFileRegex = regexp.MustCompile(`^current\.[0-9]+$`)
)

// RunId identifies one archived run: the contiguous range of WAL epochs
// [Begin, End] it covers and the level it lives on.
type RunId struct {
	Begin common.RunNumber
	End   common.RunNumber
	Level uint
}

func (r RunId) String() string {
	return fmt.Sprintf("%s.%d-%d.%d", RunPrefix, r.Begin, r.End, r.Level)
}

// CurrRunName names the file a level-n run is written under before it is
// finished and renamed.
func CurrRunName(level uint) string {
	return fmt.Sprintf("%s.%d", CurrRunPrefix, level)
}

// ParseRunFileName decodes a final run file name; reports false for
// anything else (including in-progress "current" files).
func ParseRunFileName(fname string) (RunId, bool) {
	m := runFileRegex.FindStringSubmatch(fname)
	if m == nil {
		return RunId{}, false
	}

	begin, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return RunId{}, false
	}
	end, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return RunId{}, false
	}
	level, err := strconv.ParseUint(m[3], 10, 32)
	if err != nil {
		return RunId{}, false
	}

	return RunId{
		Begin: common.RunNumber(begin),
		End:   common.RunNumber(end),
		Level: uint(level),
	}, true
}

func IsCurrRunFileName(fname string) bool {
	return currFileRegex.MatchString(fname)
}
