// Package buildinfo holds the application metadata stamped at build time.
//
// Release builds set the version through ldflags:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/davi-nfc-manager/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/davi-nfc-manager/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/davi-nfc-manager/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Without a Commit the VCS revision recorded by the Go toolchain is used.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
)

var (
	// Name is the binary name and the flag set name.
	Name = "davi-nfc-manager"
	// DirName names the per-user cache and config directories.
	DirName = "davi-nfc-manager"
	// DisplayName is shown in the tray, the bootstrap page and to phones.
	DisplayName = "Davi NFC Manager"
	Description = "NFC manager for host readers and companion phones"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// revision returns Commit, or the short VCS revision embedded in the binary.
func revision() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

// FullVersion returns the version with the revision in parentheses when known,
// e.g. "1.0.0 (abc1234)".
func FullVersion() string {
	if rev := revision(); rev != "" {
		return fmt.Sprintf("%s (%s)", Version, rev)
	}
	return Version
}

// BuildInfo returns the multi-line text printed by -version.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

// Fields describes the build for the startup log line.
func Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("version", Version),
		zap.String("go", runtime.Version()),
		zap.String("os", runtime.GOOS+"/"+runtime.GOARCH),
	}
	if rev := revision(); rev != "" {
		fields = append(fields, zap.String("commit", rev))
	}
	if BuildTime != "" {
		fields = append(fields, zap.String("built", BuildTime))
	}
	return fields
}

// IsDev reports whether this is an unversioned development build.
func IsDev() bool {
	return Version == "dev"
}
