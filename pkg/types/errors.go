package types

import "errors"

// Validation errors shared by every component that accepts client input.
var (
	ErrInvalidUsername  = errors.New("username must be 1-50 printable characters")
	ErrEmptyChat        = errors.New("chat message cannot be empty")
	ErrChatTooLong      = errors.New("chat message exceeds 1000 characters")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrPathTraversal    = errors.New("filename contains path separators or traversal sequences")
	ErrFileTooLarge     = errors.New("file exceeds maximum allowed size")
	ErrEmptyFile        = errors.New("file size must be positive")
	ErrBlockedExtension = errors.New("file extension is not allowed")
	ErrInvalidFileID    = errors.New("file id must be a UUID")
)
