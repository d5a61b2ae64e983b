// Package buildtime tells how the binary is built.
//
// Values are set by the linker, like
//
//	go build -ldflags "-X github.com/opst/knitflow/pkg/buildtime.version=v1.0.0 -X github.com/opst/knitflow/pkg/buildtime.revision=$(git rev-parse HEAD)"
package buildtime

var (
	version  = "dev"
	revision = "unknown"
)

// version string when this knitflow has been built.
func VERSION() string {
	return version
}

func GIT_REVISION() string {
	return revision
}

func VersionString() string {
	return version + " (commit: " + revision + ")"
}
