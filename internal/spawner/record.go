package spawner

import "time"

// Status is an agent process's lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
	StatusRestarting Status = "restarting"
)

// Record is the spawner's view of one franchise agent. Records are owned
// by the Spawner; everything outside it sees snapshot copies.
type Record struct {
	Franchise     string
	PID           int
	Status        Status
	StartedAt     time.Time
	LastHeartbeat time.Time // zero until the first heartbeat arrives
	Restarts      int       // survives restarts of the same franchise
	Errors        []string  // in arrival order
}

// snapshot returns a copy safe to hand out.
func (r *Record) snapshot() Record {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	return c
}

// View is the read-only record access the health monitor needs.
type View interface {
	State(franchise string) (Record, bool)
	States() []Record
}
