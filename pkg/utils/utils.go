package utils

import (
	"crypto/rand"
	"errors"
	"mime/multipart"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNoFile        = errors.New("no file uploaded")
	ErrFileTooLarge  = errors.New("file size exceeds limit")
	ErrFileNotImage  = errors.New("uploaded file is not an image")
	DefaultMaxUpload = int64(10 * 1024 * 1024)
)

type IUtils interface {
	NewULIDFromTimestamp(t time.Time) (string, error)
	ValidateImageFile(file *multipart.FileHeader) error
}

type utils struct {
	maxFileSize int64
}

func New() IUtils {
	return NewWithLimit(DefaultMaxUpload)
}

func NewWithLimit(maxFileSize int64) IUtils {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxUpload
	}
	return &utils{
		maxFileSize: maxFileSize,
	}
}

func (u *utils) NewULIDFromTimestamp(t time.Time) (string, error) {
	ms := ulid.Timestamp(t)
	entropy := ulid.Monotonic(rand.Reader, 0)

	id, err := ulid.New(ms, entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func (u *utils) ValidateImageFile(file *multipart.FileHeader) error {
	if file == nil {
		return ErrNoFile
	}

	if file.Size > u.maxFileSize {
		return ErrFileTooLarge
	}

	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return ErrFileNotImage
	}

	return nil
}
