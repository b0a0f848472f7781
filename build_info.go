package main

import (
	"fmt"
	"runtime/debug"
)

// BuildInfo holds version details of the running binary
type BuildInfo struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
	Module    string
}

// GetBuildInfo reads version details from debug.BuildInfo
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   "dev",
		Commit:    "unknown",
		Date:      "unknown",
		GoVersion: "unknown",
		Module:    "unknown",
	}

	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = buildInfo.GoVersion
		info.Module = buildInfo.Main.Path

		if buildInfo.Main.Version != "(devel)" && buildInfo.Main.Version != "" {
			info.Version = buildInfo.Main.Version
		}

		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				if len(setting.Value) >= 7 {
					info.Commit = setting.Value[:7] // Short commit hash
				} else {
					info.Commit = setting.Value
				}
			case "vcs.time":
				info.Date = setting.Value
			}
		}
	}

	return info
}

// PrintVersion prints the version details
func PrintVersion() {
	buildInfo := GetBuildInfo()
	fmt.Printf("Sensorhub Sensor Polling and Publishing Service\n")
	fmt.Printf("Version: %s\n", buildInfo.Version)
	fmt.Printf("Commit: %s\n", buildInfo.Commit)
	fmt.Printf("Build Date: %s\n", buildInfo.Date)
	fmt.Printf("Go Version: %s\n", buildInfo.GoVersion)
	fmt.Printf("Module: %s\n", buildInfo.Module)
}
