package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"chatline/models"
)

// MaxFileSize caps inline file content so the base64 form of a file message
// still fits in one transport frame.
const MaxFileSize = 7 * 1024 * 1024

const defaultMimeType = "application/octet-stream"

// ErrFileTooLarge indicates file content above MaxFileSize.
var ErrFileTooLarge = errors.New("delivery: file too large")

// File is a readable blob to send inline.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Content  io.Reader
}

// OpenFile prepares a File from a path. The caller closes the returned
// closer once the file has been sent.
func OpenFile(path string) (File, io.Closer, error) {
	handle, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("open file %q: %w", path, err)
	}
	info, err := handle.Stat()
	if err != nil {
		_ = handle.Close()
		return File{}, nil, fmt.Errorf("stat file %q: %w", path, err)
	}
	name := filepath.Base(path)
	return File{
		Name:     name,
		MimeType: mime.TypeByExtension(filepath.Ext(name)),
		Size:     info.Size(),
		Content:  handle,
	}, handle, nil
}

// SendFile reads file into a base64 data URL and sends it as a file message
// whose text is the file name and whose metadata carries the mime type,
// size and encoded content.
func (c *Coordinator) SendFile(ctx context.Context, roomID string, file File) (models.Message, error) {
	if roomID == "" {
		return models.Message{}, ErrNoRoom
	}
	if file.Content == nil {
		return models.Message{}, errors.New("delivery: file content is required")
	}
	if file.Size > MaxFileSize {
		return models.Message{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, file.Size)
	}

	data, err := io.ReadAll(io.LimitReader(file.Content, MaxFileSize+1))
	if err != nil {
		return models.Message{}, fmt.Errorf("read file %q: %w", file.Name, err)
	}
	if len(data) > MaxFileSize {
		return models.Message{}, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, MaxFileSize)
	}

	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	size := file.Size
	if size <= 0 {
		size = int64(len(data))
	}

	metadata := map[string]any{
		models.MetaMimeType: mimeType,
		models.MetaSize:     size,
		models.MetaData:     EncodeDataURL(mimeType, data),
	}
	return c.Send(ctx, roomID, file.Name, models.KindFile, metadata)
}

// EncodeDataURL renders data as a base64 data URL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
