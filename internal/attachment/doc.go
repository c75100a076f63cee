// Package attachment moves media blobs between the local cache and remote
// media storage.
//
// An attachment lives in one slot of an entity and moves through
//
//	local-only -> uploading -> synced
//	                        -> failed (reason) -> uploading (retry)
//
// Transient upload failures are retried on the backoff schedule until the
// budget is spent. Permanent reasons (quota_exceeded, corrupt_blob,
// rejected, missing_blob) and cancelled stay failed until Retry.
//
// Downloads are content addressed: a blob already in the Cache is never
// fetched again, and concurrent fetches of one URL share a download.
package attachment
