// Package conn implements per-session I/O: plain game text interleaved
// with framed subchannels. A tagged frame is the byte 0x00, a bracketed
// tag, then a JSON object; everything else is plain text.
package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tag is a subchannel identifier.
type Tag string

const (
	TagIDE        Tag = "IDE"
	TagMap        Tag = "MAP"
	TagStats      Tag = "STATS"
	TagStatsDelta Tag = "STATS_DELTA"
	TagGUI        Tag = "GUI"
	TagQuest      Tag = "QUEST"
	TagComplete   Tag = "COMPLETE"
	TagComm       Tag = "COMM"
	TagAuth       Tag = "AUTH"
	TagAuthReq    Tag = "AUTH_REQ"
	TagCombat     Tag = "COMBAT"
	TagSound      Tag = "SOUND"
	TagGiphy      Tag = "GIPHY"
	TagSession    Tag = "SESSION"
	TagTime       Tag = "TIME"
	TagTimeAck    Tag = "TIME_ACK"
	TagTimePong   Tag = "TIME_PONG"
	TagVisibility Tag = "VISIBILITY"
)

// knownTags is the normative subchannel set. Frames with unknown tags are
// protocol errors.
var knownTags = map[Tag]bool{
	TagIDE: true, TagMap: true, TagStats: true, TagStatsDelta: true,
	TagGUI: true, TagQuest: true, TagComplete: true, TagComm: true,
	TagAuth: true, TagAuthReq: true, TagCombat: true, TagSound: true,
	TagGiphy: true, TagSession: true, TagTime: true, TagTimeAck: true,
	TagTimePong: true, TagVisibility: true,
}

// discardableTags may be dropped under outbound backpressure; they are
// periodic or cosmetic and the client recovers on the next update.
var discardableTags = map[Tag]bool{
	TagMap: true, TagStats: true, TagStatsDelta: true, TagSound: true,
	TagGiphy: true, TagTime: true, TagCombat: true,
}

// Discardable reports whether frames on this subchannel may be dropped
// under backpressure.
func Discardable(t Tag) bool { return discardableTags[t] }

// ErrMalformedFrame is returned for tagged lines that do not parse.
var ErrMalformedFrame = errors.New("malformed frame")

// EncodeFrame renders a tagged frame (without trailing newline).
func EncodeFrame(tag Tag, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s frame: %w", tag, err)
	}
	return "\x00[" + string(tag) + "]" + string(data), nil
}

// ParseLine classifies one inbound line. For plain text, tag is empty and
// plain holds the line. For tagged frames the JSON payload is returned raw.
func ParseLine(line string) (tag Tag, payload json.RawMessage, plain string, err error) {
	if !strings.HasPrefix(line, "\x00") {
		return "", nil, line, nil
	}
	rest := line[1:]
	if !strings.HasPrefix(rest, "[") {
		return "", nil, "", fmt.Errorf("%w: missing tag", ErrMalformedFrame)
	}
	end := strings.Index(rest, "]")
	if end < 0 {
		return "", nil, "", fmt.Errorf("%w: unterminated tag", ErrMalformedFrame)
	}
	tag = Tag(rest[1:end])
	if !knownTags[tag] {
		return "", nil, "", fmt.Errorf("%w: unknown tag %q", ErrMalformedFrame, string(tag))
	}
	body := strings.TrimSpace(rest[end+1:])
	if body == "" {
		body = "{}"
	}
	if !json.Valid([]byte(body)) {
		return "", nil, "", fmt.Errorf("%w: invalid JSON payload on %s", ErrMalformedFrame, tag)
	}
	return tag, json.RawMessage(body), "", nil
}
