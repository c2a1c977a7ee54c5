package share

import (
	"errors"
	"time"
)

// Share represents one sender-to-receiver transfer, identified by a short
// numeric code. A share is served at most once and is always deleted, either
// by the download path or by the reaper.
type Share struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Filename      string    `json:"filename"`
	FileSize      int64     `json:"fileSize"`
	FileType      string    `json:"fileType"`
	StorageKey    string    `json:"-"` // Never expose blob keys in JSON
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Downloaded    bool      `json:"downloaded"`
	DownloadCount int       `json:"downloadCount"`
}

// Common errors
var (
	ErrShareNotFound      = errors.New("share not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrShareExpired       = errors.New("share has expired")
	ErrAlreadyDownloaded  = errors.New("share has already been downloaded")
	ErrInvalidCode        = errors.New("invalid share code")
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique share code")
	ErrFileTooLarge       = errors.New("file exceeds the maximum allowed size")
	ErrCodeTaken          = errors.New("share code already in use")
)

// IsExpired reports whether the share has expired as of now
func (s *Share) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
