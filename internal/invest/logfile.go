package invest

import (
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// The model process opens its own logfile inside the workspace, named
// InVEST-<model>-log-<timestamp>.txt, and announces it on stdout. Both
// signals are watched: the announcement line is authoritative, the glob
// is the fallback for older invest releases that do not print it.

var logfileAnnouncement = regexp.MustCompile(`Writing log messages to \[?([^\]\s]+\.txt)\]?`)

// ScanLineForLogfile reports the logfile path if the given output line
// announces one.
func ScanLineForLogfile(line string) (string, bool) {
	m := logfileAnnouncement.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FindMostRecentLogfile globs the workspace for invest logfiles and
// returns the newest one, or "" when none exists yet.
func FindMostRecentLogfile(workspaceDir string) string {
	matches, err := filepath.Glob(filepath.Join(workspaceDir, "InVEST-*-log-*.txt"))
	if err != nil || len(matches) == 0 {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
	}
	return newest
}

// Model log lines worth highlighting in the UI: python tracebacks and
// ERROR/CRITICAL level records.
var errorLine = regexp.MustCompile(`Traceback|\bERROR\b|\bCRITICAL\b|[A-Z][A-Za-z]*Error\b`)

func IsErrorLine(line string) bool {
	return errorLine.MatchString(line)
}
