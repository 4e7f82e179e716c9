package version

import (
	"fmt"
	"strings"
)

const (
	snapshotString = "snapshot"
	devVersion     = "dev"
)

var (
	// Version Build Time Injected information
	Version    string
	CommitHash string
	BuildTime  string
	Prerelease string
	Snapshot   string
	OS         string
	Arch       string
	Branch     string
)

// Info is the build metadata injected at link time.
type Info struct {
	Version    string
	CommitHash string
	Prerelease string
	Snapshot   string
	OS         string
	Arch       string
	Branch     string
}

func current() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		Prerelease: Prerelease,
		Snapshot:   Snapshot,
		OS:         OS,
		Arch:       Arch,
		Branch:     Branch,
	}
}

// GetVersion returns the version information in a human consumable way. This is intended to be used
// when the user requests the version information or in the case of the User-Agent.
func GetVersion() string {
	return current().String()
}

func (i Info) String() string {
	var sb strings.Builder
	version := i.Version
	if version == "" {
		version = devVersion
	}
	sb.WriteString(version)
	if i.CommitHash != "" {
		fmt.Fprintf(&sb, "(%s)", i.CommitHash)
	}
	switch {
	case i.Prerelease != "":
		fmt.Fprintf(&sb, "-%s", i.Prerelease)
	case i.Snapshot == "true":
		fmt.Fprintf(&sb, "-%s", snapshotString)
	}
	if i.Branch != "" && i.Branch != "main" && i.Branch != "HEAD" {
		fmt.Fprintf(&sb, "[%s]", i.Branch)
	}
	switch {
	case i.OS != "" && i.Arch != "":
		fmt.Fprintf(&sb, "/%s-%s", i.OS, i.Arch)
	case i.OS != "":
		fmt.Fprintf(&sb, "/%s", i.OS)
	}
	return sb.String()
}

// Short is the bare release number, suitable for a User-Agent product token.
func (i Info) Short() string {
	if i.Version == "" {
		return devVersion
	}
	return i.Version
}

func ShortVersion() string {
	return current().Short()
}
