// Package state persists pending approval requests in a JSON document so
// they survive process restarts.
//
// Writes are atomic (write-tmp-then-rename), keep a .bak copy of the
// previous document and hold an flock on a sibling .lock file.
package state

import (
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
)

// SchemaVersion is the current document version.
const SchemaVersion = "1"

// Document is the top-level structure persisted in approvals.json.
type Document struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// Requests are the pending approval requests, oldest first.
	Requests []*approval.Request `json:"requests"`

	UpdatedAt time.Time `json:"updated_at"`
}
