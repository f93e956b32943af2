package model

import (
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrDetails flattens a CUE validation error into one human-readable
// line per finding, suitable for logging before the run is aborted.
func CueErrDetails(err error) []string {
	if err == nil {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		msg, args := e.Msg()
		line := fmt.Sprintf(msg, args...)
		if path := normalizePath(e.Path()); path != "" {
			line = path + ": " + line
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the leading #Config definition
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
