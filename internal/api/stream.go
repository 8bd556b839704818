package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/buildsync/buildsync/internal/telemetry"
)

const (
	framePrefix = "data: "

	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 1024 * 1024
)

// Stream reads framed events from one open execution stream. Frames arrive as
// `data: `-prefixed lines each carrying one JSON object; anything else on the
// wire is skipped.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *log.Logger
	call    *telemetry.RemoteCall
}

func newStream(body io.ReadCloser, logger *log.Logger, call *telemetry.RemoteCall) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxScanBuffer)
	return &Stream{
		body:    body,
		scanner: scanner,
		logger:  logger,
		call:    call,
	}
}

// Next returns the next well-formed frame. Malformed frames are skipped
// silently. Returns io.EOF when the stream ends, or the context error when
// the request context is cancelled.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		payload, ok := strings.CutPrefix(line, framePrefix)
		if !ok {
			// Not a data frame; comment/heartbeat lines are expected noise.
			continue
		}

		var frame Frame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			if s.logger != nil {
				s.logger.With("err", err).Debug("skipping malformed stream frame")
			}
			continue
		}
		if strings.TrimSpace(frame.Type) == "" {
			continue
		}
		s.call.RecordFrame()
		return frame, nil
	}

	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Close releases the underlying response body and ends the stream span.
func (s *Stream) Close() error {
	if s == nil || s.body == nil {
		return nil
	}
	s.call.End(0, nil)
	return s.body.Close()
}
