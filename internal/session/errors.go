package session

import "errors"

var (
	ErrClientNotFound   = errors.New("client not found")
	ErrUploadNotFound   = errors.New("upload not found")
	ErrDuplicateFile    = errors.New("file id already in use")
	ErrNotUploader      = errors.New("client is not the uploader of this file")
	ErrChunkMismatch    = errors.New("total_chunks does not match upload")
	ErrChunkOutOfRange  = errors.New("chunk number out of range")
	ErrChunkSize        = errors.New("chunk has unexpected size")
	ErrHashMismatch     = errors.New("file hash does not match metadata")
	ErrUploadIO         = errors.New("upload write failed")
	ErrInvalidUploadDir = errors.New("upload directory must be set")
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrChunkSizeRange   = errors.New("announced chunk size out of range")
	ErrTooManyUploads   = errors.New("too many uploads in progress")
)
