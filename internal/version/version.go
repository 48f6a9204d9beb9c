/*
Package version holds build information for bi-gateway.

Values are injected with -ldflags at build time:

	-X github.com/khanglvm/bi-gateway/internal/version.Version=v1.2.0
	-X github.com/khanglvm/bi-gateway/internal/version.Commit=abc1234
	-X github.com/khanglvm/bi-gateway/internal/version.Date=2026-10-18

An unstamped binary reports "dev". The MCP handshake and the stdio backend
handshake both send Version.
*/
package version

var (
	Version = "dev"
	// Commit is the short git hash.
	Commit = "none"
	// Date is the UTC build date (YYYY-MM-DD).
	Date = "unknown"
)

// Info is the build information as one value.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the stamped build information.
func Get() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

// Dev reports an unstamped build.
func (i Info) Dev() bool {
	return i.Version == "dev"
}

func (i Info) String() string {
	if i.Dev() {
		return i.Version + " (development build)"
	}
	return i.Version + " (commit: " + i.Commit + ", built: " + i.Date + ")"
}
