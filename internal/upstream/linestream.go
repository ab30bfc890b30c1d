package upstream

import (
	"bufio"
	"io"
	"sync"
)

// LineStream pumps the newline-delimited body of a streaming response
// into a channel so consumers can race reads against deadlines.
type LineStream struct {
	lines chan string
	body  io.ReadCloser

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewLineStream starts the reader goroutine.
func NewLineStream(body io.ReadCloser) *LineStream {
	s := &LineStream{
		lines: make(chan string, 16),
		body:  body,
	}
	go s.run()
	return s
}

func (s *LineStream) run() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}

// Lines is closed when the body ends or errors; check Err afterwards.
func (s *LineStream) Lines() <-chan string {
	return s.lines
}

// Err reports a read error after Lines closes.
func (s *LineStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the body, which unblocks the reader goroutine.
func (s *LineStream) Close() {
	s.closeOnce.Do(func() {
		s.body.Close()
		// Drain so the reader goroutine can exit even if nobody is
		// consuming Lines anymore.
		go func() {
			for range s.lines {
			}
		}()
	})
}
