package docker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

const maxLineSize = 1 << 20

// decodeMessages reads a build or pull progress stream. An error message
// embedded in the stream aborts decoding with kind.
func decodeMessages(r io.Reader, source string, kind error, emit func(domain.LogLine) bool) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", kind, err)
		}

		if text := messageError(msg); text != "" {
			if kind == errdefs.ErrPullFailed && isMissingImage(text) {
				return fmt.Errorf("%w: %s", errdefs.ErrImageNotFound, text)
			}
			return fmt.Errorf("%w: %s", kind, text)
		}

		for _, line := range messageLines(msg) {
			if !emit(domain.LogLine{Source: source, Text: line}) {
				return nil
			}
		}
	}
}

func messageError(msg jsonmessage.JSONMessage) string {
	if msg.Error != nil && msg.Error.Message != "" {
		return msg.Error.Message
	}
	return msg.ErrorMessage
}

func messageLines(msg jsonmessage.JSONMessage) []string {
	var text string
	switch {
	case msg.Stream != "":
		text = msg.Stream
	case msg.Status != "" && msg.ID != "":
		text = msg.ID + ": " + msg.Status
	default:
		text = msg.Status
	}

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimRight(l, "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func isMissingImage(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "not found") ||
		strings.Contains(text, "manifest unknown") ||
		strings.Contains(text, "does not exist")
}

// demuxLines splits a multiplexed container log stream into lines.
func demuxLines(r io.Reader, source string, emit func(domain.LogLine) bool) error {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, r)
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !emit(domain.LogLine{Source: source, Text: line}) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrAttachFailed, err)
	}
	return nil
}
