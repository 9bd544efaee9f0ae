// Package protocol defines the bridge API request/response types.
package protocol

import "github.com/internxt/drive-web-sub008/pkg/models"

// FrameResponse is returned by POST /frames
type FrameResponse struct {
	ID string `json:"id"`
}

// UploadURLRequest is the body for POST /frames/{frame}/upload-url
type UploadURLRequest struct {
	models.UploadShardMeta
}

// UploadURLResponse carries the one-shot URL the encrypted payload is PUT to.
type UploadURLResponse struct {
	URL string `json:"url"`
}

// FinishUploadRequest is the body for POST /buckets/{bucket}/files
type FinishUploadRequest struct {
	Frame    string                   `json:"frame"`
	Filename string                   `json:"filename"`
	Index    string                   `json:"index"`
	Shards   []models.UploadShardMeta `json:"shards"`
}

// FinishUploadResponse is returned once the file is registered.
type FinishUploadResponse struct {
	ID       string `json:"id"`
	Bucket   string `json:"bucket"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ErrorResponse is returned by the bridge on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
