package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	keys []string
	err  error
}

func (m *fakeMirror) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	return nil
}

func dataURI(mime string, payload []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(payload)
}

func TestParseDataURI(t *testing.T) {
	mime, data, err := ParseDataURI(dataURI("text/csv", []byte("a,b\n1,2\n")))
	require.NoError(t, err)
	assert.Equal(t, "text/csv", mime)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	// unpadded payloads are accepted too
	mime, data, err = ParseDataURI("data:text/plain;base64,aGk")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mime)
	assert.Equal(t, "hi", string(data))

	_, _, err = ParseDataURI("https://example.com/file.png")
	assert.ErrorIs(t, err, ErrNotDataURI)

	_, _, err = ParseDataURI("data:text/plain,hello")
	assert.Error(t, err)

	_, _, err = ParseDataURI("data:text/plain;base64,!!!")
	assert.Error(t, err)
}

func TestDecodeWritesFilesAndSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(StoreConfig{Dir: dir, Logger: logger.NewNop()})

	inputs := []domain.AttachmentInput{
		{Name: "data.csv", URL: dataURI("text/csv", []byte("x,y"))},
		{Name: "remote.png", URL: "https://example.com/remote.png"},
		{Name: "", URL: dataURI("text/plain", []byte("hello"))},
	}
	saved, errs := store.Decode(context.Background(), "demo1/round1", inputs)

	require.Len(t, saved, 2)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAttachmentDecode)

	assert.Equal(t, "data.csv", saved[0].Name)
	assert.Equal(t, "text/csv", saved[0].MIME)
	assert.Equal(t, 3, saved[0].Size)
	assert.Equal(t, filepath.Join(dir, "demo1", "round1", "data.csv"), saved[0].Path)

	content, err := os.ReadFile(saved[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "x,y", string(content))

	assert.Equal(t, "attachment", saved[1].Name)
}

func TestDecodeSniffsMissingMIME(t *testing.T) {
	store := NewStore(StoreConfig{Dir: t.TempDir(), Logger: logger.NewNop()})
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	saved, errs := store.Decode(context.Background(), "demo1/round1", []domain.AttachmentInput{
		{Name: "logo", URL: "data:;base64," + base64.StdEncoding.EncodeToString(png)},
	})
	require.Empty(t, errs)
	require.Len(t, saved, 1)
	assert.Equal(t, "image/png", saved[0].MIME)
}

func TestDecodeEnforcesMaxBytes(t *testing.T) {
	store := NewStore(StoreConfig{Dir: t.TempDir(), MaxBytes: 4, Logger: logger.NewNop()})

	saved, errs := store.Decode(context.Background(), "demo1/round1", []domain.AttachmentInput{
		{Name: "big.txt", URL: dataURI("text/plain", []byte("too large"))},
	})
	assert.Empty(t, saved)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTooLarge)
}

func TestDecodeMirrorsToObjectStore(t *testing.T) {
	mirror := &fakeMirror{}
	store := NewStore(StoreConfig{Dir: t.TempDir(), Mirror: mirror, Logger: logger.NewNop()})

	saved, errs := store.Decode(context.Background(), "demo1/round2", []domain.AttachmentInput{
		{Name: "a.txt", URL: dataURI("text/plain", []byte("a"))},
	})
	require.Empty(t, errs)
	require.Len(t, saved, 1)
	assert.Equal(t, []string{"demo1/round2/a.txt"}, mirror.keys)
	assert.Equal(t, "demo1/round2/a.txt", saved[0].ObjectKey)
}

func TestDecodeMirrorFailureKeepsLocalCopy(t *testing.T) {
	store := NewStore(StoreConfig{
		Dir:    t.TempDir(),
		Mirror: &fakeMirror{err: errors.New("bucket offline")},
		Logger: logger.NewNop(),
	})

	saved, errs := store.Decode(context.Background(), "demo1/round1", []domain.AttachmentInput{
		{Name: "a.txt", URL: dataURI("text/plain", []byte("a"))},
	})
	require.Empty(t, errs)
	require.Len(t, saved, 1)
	assert.Empty(t, saved[0].ObjectKey)
	assert.FileExists(t, saved[0].Path)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "passwd", SanitizeFileName("../../etc/passwd"))
	assert.Equal(t, "my_file.txt", SanitizeFileName("my file.txt"))
	assert.Equal(t, "evil.sh", SanitizeFileName(`C:\tmp\evil.sh`))
	assert.Equal(t, "attachment", SanitizeFileName(".."))
	assert.Equal(t, "demo1/round1", SanitizeScope("demo1/round1"))
	assert.Equal(t, "default", SanitizeScope("../.."))
}

func TestSummary(t *testing.T) {
	assert.Empty(t, Summary(nil))
	assert.Equal(t, "  - a.csv (text/csv, 3 bytes)\n  - b.png (image/png, 10 bytes)", Summary([]domain.Attachment{
		{Name: "a.csv", MIME: "text/csv", Size: 3},
		{Name: "b.png", MIME: "image/png", Size: 10},
	}))
}
