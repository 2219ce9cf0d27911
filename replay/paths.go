package replay

import (
	"path"
	"strings"
	"time"
)

// DefaultNameFormat names recordings started without an explicit path.
// It sorts chronologically and avoids colons.
const DefaultNameFormat = "2006-01-02_15-04-05"

// SanitizeSubdir turns a user supplied recording path into a relative,
// slash separated path that cannot leave the base directory. The path is
// cleaned as if rooted, which drops any leading "..". Empty results and
// references to the base directory itself fall back to a name derived from now.
func SanitizeSubdir(p string, now time.Time) string {
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "." {
		return DefaultName(now)
	}
	return cleaned
}

// DefaultName returns the timestamp name for a recording started at now.
func DefaultName(now time.Time) string {
	return now.UTC().Format(DefaultNameFormat)
}
