package types

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateUsername checks a client supplied display name and returns it trimmed.
func ValidateUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" || utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", ErrInvalidUsername
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidUsername
		}
	}
	return name, nil
}

// ValidateChatText enforces the non-empty and maximum length rules.
// Length is counted in characters, not bytes.
func ValidateChatText(text string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = MaxChatLength
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyChat
	}
	if utf8.RuneCountInString(text) > maxLength {
		return ErrChatTooLong
	}
	return nil
}

// ValidateFilename rejects names that could escape the shared files
// directory once joined to it.
func ValidateFilename(name string) error {
	if name == "" || len(name) > MaxFilenameLength || !utf8.ValidString(name) {
		return ErrInvalidFilename
	}
	if name == "." || name == ".." {
		return ErrPathTraversal
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ErrPathTraversal
	}
	if strings.ContainsRune(name, 0) || filepath.Base(name) != name || filepath.IsAbs(name) {
		return ErrPathTraversal
	}
	// Windows drive prefixes such as "C:" are treated as traversal too.
	if filepath.VolumeName(name) != "" || strings.Contains(name, ":") {
		return ErrPathTraversal
	}
	return nil
}

// ValidateFileSize checks 0 < size <= limit. A non-positive limit
// falls back to MaxFileSize.
func ValidateFileSize(size, limit int64) error {
	if limit <= 0 {
		limit = MaxFileSize
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > limit {
		return ErrFileTooLarge
	}
	return nil
}

// HasBlockedExtension reports whether name ends in one of the blocked
// extensions. Comparison is case-insensitive.
func HasBlockedExtension(name string, blocked []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, b := range blocked {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if !strings.HasPrefix(b, ".") {
			b = "." + b
		}
		if ext == b {
			return true
		}
	}
	return false
}

// ValidateFileID accepts only the canonical lowercase UUID form. File
// ids end up in paths on disk.
func ValidateFileID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return ErrInvalidFileID
	}
	return nil
}
