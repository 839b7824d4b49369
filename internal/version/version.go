// Package version holds build metadata injected with -ldflags -X.
package version

// Build metadata. Overridden at link time.
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the payload of GET /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build metadata of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
	}
}
