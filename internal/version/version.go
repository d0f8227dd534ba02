// Package version holds build information set with -ldflags.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/zhubert/olla/internal/version.Version=1.0.0 -X github.com/zhubert/olla/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// String formats the version for --version output.
func String() string {
	return Version + " (" + Commit + ")"
}
