// Package stream re-emits upstream SSE completion chunks to the caller.
//
// The re-emitter is a strict pass-through pipe: frames go out in arrival
// order as they come in, never buffered until stream end. Malformed frames
// are dropped without aborting the stream.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// Single completion chunks stay well under this.
	maxFrameSize = 1 << 20
)

type Reemitter struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Reemitter {
	return &Reemitter{logger: logger}
}

// Pipe reads SSE frames from upstream and forwards each well-formed frame to
// w, flushing after every frame. The last frame carrying a usage record is
// retained; when the upstream stream ends, settle is called with it before
// the terminal [DONE] sentinel is written. If no frame ever carried usage,
// settle is not called and no debit occurs.
//
// A read failure mid-stream aborts without sentinel or settlement and is
// returned to the caller.
func (re *Reemitter) Pipe(upstream io.Reader, w io.Writer, flush func(), settle func(openai.Usage)) error {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var (
		usage    openai.Usage
		hasUsage bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == doneSentinel {
			break
		}
		if !json.Valid([]byte(payload)) {
			re.logger.Warn("dropping malformed stream frame", zap.Int("size", len(payload)))
			continue
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err == nil && chunk.Usage != nil {
			usage = *chunk.Usage
			hasUsage = true
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return fmt.Errorf("write stream frame: %w", err)
		}
		flush()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read upstream stream: %w", err)
	}

	if hasUsage {
		settle(usage)
	} else {
		re.logger.Warn("stream ended without usage record, skipping settlement")
	}

	fmt.Fprintf(w, "data: %s\n\n", doneSentinel)
	flush()
	return nil
}
