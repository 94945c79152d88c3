package data

import "time"

// Snapshot is a point-in-time record referencing one root tree. Its ID is
// not stored in the JSON body; it is the object key's basename.
type Snapshot struct {
	Time     time.Time              `json:"time"`
	Parent   *ID                    `json:"parent,omitempty"`
	Tree     ID                     `json:"tree"`
	Paths    []string               `json:"paths"`
	Hostname string                 `json:"hostname,omitempty"`
	Username string                 `json:"username,omitempty"`
	Tags     []string               `json:"tags,omitempty"`
	Excludes []string               `json:"excludes,omitempty"`
	Summary  map[string]interface{} `json:"summary,omitempty"`
}
