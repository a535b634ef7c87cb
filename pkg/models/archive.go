package models

import "time"

// ArchiveEntry is an immutable snapshot of a workflow at one version hash.
// (WorkflowID, VersionHash) is unique.
type ArchiveEntry struct {
	ID          string             `json:"id"`
	WorkflowID  string             `json:"workflowId"`
	VersionHash string             `json:"versionHash"`
	Snapshot    WorkflowDefinition `json:"snapshot"`
	ArchivedBy  string             `json:"archivedBy"`
	Reason      string             `json:"reason"`
	ArchivedAt  time.Time          `json:"archivedAt"`
}
