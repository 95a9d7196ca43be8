// Package buildinfo carries the values stamped into binaries with -ldflags
package buildinfo

import "time"

var (
	Version    = "dev"
	BuildTime  string
	CommitHash string
)

var started = time.Now().UTC()

// Info describes the running binary
type Info struct {
	Version    string    `json:"version"`
	BuildTime  string    `json:"buildTime,omitempty"`
	CommitHash string    `json:"commitHash,omitempty"`
	StartTime  time.Time `json:"startTime"`
}

// Current returns the build stamp and the process start time
func Current() Info {
	return Info{Version: Version, BuildTime: BuildTime, CommitHash: CommitHash, StartTime: started}
}
