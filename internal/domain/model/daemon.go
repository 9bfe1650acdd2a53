package model

import "time"

// DaemonStatus is the lifecycle state of the health monitor.
type DaemonStatus string

const (
	DaemonStopped DaemonStatus = "stopped"
	DaemonRunning DaemonStatus = "running"
	DaemonHung    DaemonStatus = "hung" // Stop timed out; the loop has not exited yet.
)

// DaemonState is a point-in-time view of the health monitor.
type DaemonState struct {
	Status    DaemonStatus
	Running   bool
	LastRun   *time.Time
	LastCheck *time.Time
}
