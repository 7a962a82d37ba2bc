package env

import (
	"fmt"
	"net/http"

	"github.com/carlmjohnson/versioninfo"
)

const unset = "unset"

// Version is the build version reported by the daemon. Release builds set it
// via -ldflags; otherwise it falls back to VCS metadata when available.
var Version = unset

func init() {
	if Version == unset && versioninfo.Revision != "unknown" && versioninfo.Revision != "" {
		Version = versioninfo.Short()
	}
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s\n", Version) // nolint:errcheck
}

func IsProd() bool {
	return Version != unset
}
