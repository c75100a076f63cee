package model

// AttachmentState is the upload lifecycle state of an attachment.
type AttachmentState string

const (
	AttachmentLocalOnly AttachmentState = "local-only"
	AttachmentUploading AttachmentState = "uploading"
	AttachmentSynced    AttachmentState = "synced"
	AttachmentFailed    AttachmentState = "failed"
)

// Failure reasons recorded on failed attachments.
const (
	ReasonTransient           = "transient"
	ReasonCancelled           = "cancelled"
	ReasonRetryBudgetExceeded = "retry_budget_exceeded"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonCorruptBlob         = "corrupt_blob"
	ReasonRejected            = "rejected"
	ReasonMissingBlob         = "missing_blob"
)

// RetryableReason reports whether a failed attachment with this reason is
// retried automatically.
func RetryableReason(reason string) bool {
	return reason == ReasonTransient
}

// Attachment is a media blob bound to an entity slot.
// URL is only set once the attachment is synced.
type Attachment struct {
	EntityID      EntityID        `json:"entity_id"`
	Slot          string          `json:"slot"`
	Ticket        string          `json:"ticket"`
	State         AttachmentState `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	Digest        string          `json:"digest"`
	Size          int64           `json:"size"`
	ContentType   string          `json:"content_type"`
	URL           string          `json:"url,omitempty"`
	Retries       int             `json:"retries"`
	NextAttemptAt int64           `json:"next_attempt_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// Ref summarizes the attachment for entity snapshots.
func (a Attachment) Ref() AttachmentRef {
	return AttachmentRef{
		Slot:   a.Slot,
		State:  a.State,
		Reason: a.Reason,
		URL:    a.URL,
		Digest: a.Digest,
	}
}

// Scheduled reports whether the attachment is waiting for an automatic
// upload: never attempted, or backing off after a transient failure.
func (a Attachment) Scheduled() bool {
	return a.State == AttachmentLocalOnly || (a.State == AttachmentFailed && a.Reason == ReasonTransient)
}

// CanTransition reports whether an attachment may move from one state to another.
// The lifecycle is local-only -> uploading -> {synced | failed}, with failed ->
// uploading on retry. A scheduled upload that never started may fail directly.
func CanTransition(from, to AttachmentState) bool {
	switch from {
	case AttachmentLocalOnly:
		return to == AttachmentUploading || to == AttachmentFailed
	case AttachmentUploading:
		return to == AttachmentSynced || to == AttachmentFailed
	case AttachmentFailed:
		return to == AttachmentUploading || to == AttachmentFailed
	default:
		return false
	}
}
