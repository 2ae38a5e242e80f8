package generation

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	llmprovider "github.com/haowjy/meridian-llm-go"
)

// streamLines splits text deltas into lines as they arrive. Nothing is read from the
// provider until Next needs another line.
type streamLines struct {
	events  <-chan llmprovider.StreamEvent
	cancel  context.CancelFunc
	pending string
	done    bool
	err     error
	closed  bool
}

func newStreamLines(events <-chan llmprovider.StreamEvent, cancel context.CancelFunc) *streamLines {
	return &streamLines{events: events, cancel: cancel}
}

func (s *streamLines) Next(ctx context.Context) (string, bool, error) {
	for {
		if index := strings.Index(s.pending, lineSeparator); index >= 0 {
			line := s.pending[:index]
			s.pending = s.pending[index+len(lineSeparator):]
			return line, true, nil
		}
		if s.done {
			if s.err != nil {
				return "", false, s.err
			}
			if s.pending != "" {
				line := s.pending
				s.pending = ""
				return line, true, nil
			}
			return "", false, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case event, ok := <-s.events:
			if !ok {
				s.done = true
				continue
			}
			if event.Error != nil {
				s.done = true
				s.err = event.Error
				s.pending = ""
				continue
			}
			if event.Delta == nil || event.Delta.TextDelta == nil {
				continue
			}
			if event.Delta.DeltaType != "" && event.Delta.DeltaType != deltaTypeText {
				continue
			}
			s.pending += *event.Delta.TextDelta
		}
	}
}

// Close stops the provider stream and drains whatever it still emits.
func (s *streamLines) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if !s.done {
		go func(events <-chan llmprovider.StreamEvent) {
			for range events {
			}
		}(s.events)
	}
	return nil
}

type staticLines struct {
	lines []string
	next  int
}

// NewStaticLines returns a line source over a fixed slice.
func NewStaticLines(lines []string) outline.LineSource {
	return &staticLines{lines: lines}
}

func (s *staticLines) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s.next >= len(s.lines) {
		return "", false, nil
	}
	line := s.lines[s.next]
	s.next++
	return line, true, nil
}

func (s *staticLines) Close() error {
	return nil
}
