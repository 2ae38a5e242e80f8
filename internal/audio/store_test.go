package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedIDs struct {
	ids []string
}

func (f *fixedIDs) NewID() (string, error) {
	if len(f.ids) == 0 {
		return "", errors.New("exhausted")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type failingConverter struct{}

func (failingConverter) Convert(context.Context, string, string) error {
	return errors.New("codec missing")
}

func newStore(t *testing.T, converter Converter, ids ...string) (*Store, string) {
	t.Helper()
	directory := filepath.Join(t.TempDir(), "audio")
	store, err := NewStore(StoreConfig{Directory: directory, Converter: converter, IDProvider: &fixedIDs{ids: ids}})
	require.NoError(t, err)
	return store, directory
}

func TestRecordingFinalizeProducesPlayableFile(t *testing.T) {
	store, directory := newStore(t, nil, "rec-1")

	recording, err := store.Begin()
	require.NoError(t, err)
	assert.Equal(t, "rec-1.mp3", recording.Filename())
	assert.FileExists(t, filepath.Join(directory, "rec-1.part"))

	_, err = recording.Write([]byte("chunk-a"))
	require.NoError(t, err)
	_, err = recording.Write([]byte("chunk-b"))
	require.NoError(t, err)
	require.NoError(t, recording.Finalize(context.Background()))
	require.NoError(t, recording.Finalize(context.Background()))

	assert.NoFileExists(t, filepath.Join(directory, "rec-1.part"))

	file, info, err := store.Open("rec-1.mp3")
	require.NoError(t, err)
	defer file.Close()
	contents, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "chunk-achunk-b", string(contents))
	assert.Equal(t, int64(len(contents)), info.Size())

	_, err = recording.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRecordingFinalizeRejectsEmptyAudio(t *testing.T) {
	store, directory := newStore(t, nil, "rec-empty")
	recording, err := store.Begin()
	require.NoError(t, err)

	assert.ErrorIs(t, recording.Finalize(context.Background()), ErrEmptyRecording)
	assert.NoFileExists(t, filepath.Join(directory, "rec-empty.part"))
	assert.NoFileExists(t, filepath.Join(directory, "rec-empty.mp3"))
}

func TestRecordingConversionFailureKeepsRawAudio(t *testing.T) {
	store, directory := newStore(t, failingConverter{}, "rec-bad")
	recording, err := store.Begin()
	require.NoError(t, err)
	_, err = recording.Write([]byte("noise"))
	require.NoError(t, err)

	assert.Error(t, recording.Finalize(context.Background()))
	raw, err := os.ReadFile(filepath.Join(directory, "rec-bad.part"))
	require.NoError(t, err)
	assert.Equal(t, "noise", string(raw))
	assert.NoFileExists(t, filepath.Join(directory, "rec-bad.mp3"))
}

// waitingConverter blocks until its delay passes or ctx ends, then renames.
type waitingConverter struct {
	delay time.Duration
}

func (c waitingConverter) Convert(ctx context.Context, source, target string) error {
	select {
	case <-time.After(c.delay):
		return RenameConverter{}.Convert(ctx, source, target)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRecordingConversionOutlivesCallerCancellation(t *testing.T) {
	store, directory := newStore(t, waitingConverter{delay: 50 * time.Millisecond}, "rec-slow")
	recording, err := store.Begin()
	require.NoError(t, err)
	_, err = recording.Write([]byte("lecture"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, recording.Finalize(ctx))
	assert.FileExists(t, filepath.Join(directory, "rec-slow.mp3"))
	assert.NoFileExists(t, filepath.Join(directory, "rec-slow.part"))
}

func TestRecordingConversionTimeoutKeepsRawAudio(t *testing.T) {
	directory := filepath.Join(t.TempDir(), "audio")
	store, err := NewStore(StoreConfig{
		Directory:      directory,
		Converter:      waitingConverter{delay: time.Minute},
		IDProvider:     &fixedIDs{ids: []string{"rec-long"}},
		ConvertTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	recording, err := store.Begin()
	require.NoError(t, err)
	_, err = recording.Write([]byte("lecture"))
	require.NoError(t, err)

	assert.ErrorIs(t, recording.Finalize(context.Background()), context.DeadlineExceeded)
	assert.FileExists(t, filepath.Join(directory, "rec-long.part"))
	assert.NoFileExists(t, filepath.Join(directory, "rec-long.mp3"))
}

func TestRecordingAbort(t *testing.T) {
	store, directory := newStore(t, nil, "rec-abort")
	recording, err := store.Begin()
	require.NoError(t, err)
	_, err = recording.Write([]byte("noise"))
	require.NoError(t, err)

	recording.Abort()
	assert.NoFileExists(t, filepath.Join(directory, "rec-abort.part"))
	require.NoError(t, recording.Finalize(context.Background()))
}

func TestOpenRejectsTraversalAndUnknownNames(t *testing.T) {
	store, directory := newStore(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(directory), "secret.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(directory, "notes.txt"), []byte("x"), 0o644))

	for _, name := range []string{"", "../secret.mp3", "a/b.mp3", "notes.txt", "missing.mp3", "..", "/"} {
		_, _, err := store.Open(name)
		assert.ErrorIs(t, err, ErrRecordingNotFound, name)
	}
}

func TestNewStoreValidates(t *testing.T) {
	_, err := NewStore(StoreConfig{IDProvider: &fixedIDs{}})
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{Directory: t.TempDir()})
	assert.Error(t, err)
}
