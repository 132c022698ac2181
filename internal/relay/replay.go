package relay

import (
	"bufio"
	"io"
)

// Replay reconstructs the canonical event sequence from a transcript: one
// JSON event per line, first line the session-start event. Each line is
// normalized and run through a fresh pipeline with the same embed index and
// trigger discipline the live stream used, so the output ordering is
// identical to what live clients observed. Replay has no access to original
// wall-clock timing; ordering is keyed entirely to event type.
//
// Malformed lines are skipped individually rather than aborting the replay.
func Replay(sessionID string, transcript io.Reader, embeds EmbedIndex) ([]Event, error) {
	p := NewPipeline(embeds)

	var out []Event
	sc := bufio.NewScanner(transcript)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := Normalize(line)
		if err != nil {
			continue
		}
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		out = append(out, p.Process(sessionID, ev)...)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}
