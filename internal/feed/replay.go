package feed

import (
	"bufio"
	"context"
	"fmt"
	"os"
)

// ReplaySource streams raw events from a JSONL fixture file, one event per
// line. Used by cmd/replay and offline what-if runs.
type ReplaySource struct {
	path       string
	normalizer *Normalizer
}

func NewReplaySource(path string) *ReplaySource {
	return &ReplaySource{path: path, normalizer: NewNormalizer()}
}

// Run reads the fixture and sends normalized signals to out. It closes out
// when the file is exhausted or ctx is cancelled.
func (r *ReplaySource) Run(ctx context.Context, out chan<- TradeSignal) error {
	defer close(out)

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open replay fixture: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		sig, ok := r.normalizer.Normalize(line)
		if !ok {
			continue
		}
		select {
		case out <- sig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}
