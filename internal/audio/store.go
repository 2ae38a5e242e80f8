// Package audio stores note recordings and converts raw browser audio to MP3.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Extension is the file extension of finalized recordings.
	Extension  = ".mp3"
	partialExt = ".part"
	dirMode    = 0o755
	recordMode = 0o644

	defaultConvertTimeout = 30 * time.Minute
)

var (
	// ErrRecordingNotFound indicates an unknown or invalid recording name.
	ErrRecordingNotFound = errors.New("audio: recording not found")
	// ErrEmptyRecording indicates a recording that received no audio.
	ErrEmptyRecording = errors.New("audio: empty recording")

	errMissingDirectory  = errors.New("audio: directory is required")
	errMissingIDProvider = errors.New("audio: id provider is required")
)

// IDProvider issues recording names.
type IDProvider interface {
	NewID() (string, error)
}

type StoreConfig struct {
	Directory  string
	Converter  Converter
	IDProvider IDProvider
	// ConvertTimeout bounds a single conversion. Zero means thirty minutes.
	ConvertTimeout time.Duration
	Logger         *zap.Logger
}

// Store owns the recordings directory.
type Store struct {
	directory      string
	converter      Converter
	ids            IDProvider
	convertTimeout time.Duration
	logger         *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	directory := strings.TrimSpace(cfg.Directory)
	if directory == "" {
		return nil, errMissingDirectory
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if err := os.MkdirAll(directory, dirMode); err != nil {
		return nil, fmt.Errorf("audio: create directory: %w", err)
	}
	converter := cfg.Converter
	if converter == nil {
		converter = RenameConverter{}
	}
	convertTimeout := cfg.ConvertTimeout
	if convertTimeout <= 0 {
		convertTimeout = defaultConvertTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		directory:      directory,
		converter:      converter,
		ids:            cfg.IDProvider,
		convertTimeout: convertTimeout,
		logger:         logger,
	}, nil
}

// Begin starts a recording under a fresh name. Audio is buffered in a partial file until Finalize.
func (s *Store) Begin() (*Recording, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("audio: recording id: %w", err)
	}
	filename := id + Extension
	partialPath := filepath.Join(s.directory, id+partialExt)
	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, recordMode)
	if err != nil {
		return nil, fmt.Errorf("audio: create recording: %w", err)
	}
	return &Recording{
		store:       s,
		filename:    filename,
		partialPath: partialPath,
		file:        file,
	}, nil
}

// Open returns a finalized recording for playback.
func (s *Store) Open(filename string) (*os.File, os.FileInfo, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, nil, ErrRecordingNotFound
	}
	return file, info, nil
}

// resolve maps a client-supplied name onto a path inside the directory, rejecting traversal.
func (s *Store) resolve(filename string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(filename), "/")
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", ErrRecordingNotFound
	}
	if !strings.EqualFold(filepath.Ext(name), Extension) {
		return "", ErrRecordingNotFound
	}
	return filepath.Join(s.directory, name), nil
}

// Recording accumulates raw audio for one start/stop span.
type Recording struct {
	store       *Store
	filename    string
	partialPath string

	mu      sync.Mutex
	file    *os.File
	written int64
	done    bool
}

var _ io.Writer = (*Recording)(nil)

// Filename is the name the finalized MP3 will have.
func (r *Recording) Filename() string {
	return r.filename
}

func (r *Recording) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, os.ErrClosed
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

// Finalize converts the buffered audio into the final MP3 and removes the partial file.
// Conversion runs under the store's convert timeout and ignores cancellation of ctx.
// When conversion fails the partial file is kept so the audio can be recovered.
func (r *Recording) Finalize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	if err := r.file.Close(); err != nil {
		r.removePartial()
		return fmt.Errorf("audio: close recording: %w", err)
	}
	if r.written == 0 {
		r.removePartial()
		return ErrEmptyRecording
	}

	convertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.store.convertTimeout)
	defer cancel()
	started := time.Now()
	target := filepath.Join(r.store.directory, r.filename)
	if err := r.store.converter.Convert(convertCtx, r.partialPath, target); err != nil {
		if removeErr := os.Remove(target); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			r.store.logger.Warn("incomplete recording not removed", zap.String("path", target), zap.Error(removeErr))
		}
		r.store.logger.Error("recording conversion failed, raw audio kept",
			zap.String("filename", r.filename),
			zap.String("partial_path", r.partialPath),
			zap.Error(err))
		return fmt.Errorf("audio: convert %s: %w", r.filename, err)
	}
	r.removePartial()
	r.store.logger.Info("recording finalized",
		zap.String("filename", r.filename),
		zap.Int64("raw_bytes", r.written),
		zap.Duration("convert_duration", time.Since(started)))
	return nil
}

// Abort discards the recording.
func (r *Recording) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	_ = r.file.Close()
	r.removePartial()
}

func (r *Recording) removePartial() {
	if err := os.Remove(r.partialPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.store.logger.Warn("partial recording not removed",
			zap.String("path", r.partialPath),
			zap.Error(err))
	}
}
