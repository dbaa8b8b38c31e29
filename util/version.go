package util

import (
	"runtime"
	"strings"
)

// Set with -ldflags "-X subsync/util.ProgramVersionName=..." at release time.
var (
	ProgramVersionName = "subsync/dev"
	ProgramCommit      = "unknown"
	ProgramBuildTime   = "unknown"
)

func metaOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func VersionName() string {
	return metaOr(ProgramVersionName, "subsync/dev")
}

func CommitID() string {
	return metaOr(ProgramCommit, "unknown")
}

func BuildTime() string {
	return metaOr(ProgramBuildTime, "unknown")
}

// UserAgent is sent on subscription requests unless a group overrides it.
func UserAgent() string {
	return VersionName() + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

func BuildInfo() string {
	return VersionName() + " commit=" + CommitID() + " build=" + BuildTime() + " go=" + runtime.Version()
}
