package sources

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nferch/spendscope/internal/timeutil"
)

// DropDir reads raw response blobs that adapter jobs leave on disk, one file
// per (source, fetch window): <dir>/<source>_<from>_<to>.json with inclusive
// day bounds. The pipeline never performs vendor HTTP calls itself; a missing
// drop is that source's terminal failure for the run.
type DropDir struct {
	dir string
}

func NewDropDir(dir string) *DropDir {
	return &DropDir{dir: dir}
}

// Fetch returns the payload and its fetch time for one source and window.
func (d *DropDir) Fetch(sourceID string, window timeutil.DateRange) ([]byte, time.Time, error) {
	name := fmt.Sprintf("%s_%s_%s.json",
		sourceID,
		window.Start().Format(timeutil.DayFormat),
		window.End().AddDate(0, 0, -1).Format(timeutil.DayFormat))
	path := filepath.Join(d.dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("no payload drop for %s (%s): %w", sourceID, name, err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read payload drop %s: %w", path, err)
	}
	return payload, info.ModTime().UTC(), nil
}
