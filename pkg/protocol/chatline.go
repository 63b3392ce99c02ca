package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the layout of the timestamp in chat lines
const TimestampLayout = "2006-01-02 15:04:05"

// ChatLine is a parsed "[timestamp]: [sender]: content" message text
type ChatLine struct {
	SentAt  time.Time
	Sender  string
	Content string
}

// FormatChatLine renders the text carried by MESSAGE and MESSAGE_HISTORY frames
func FormatChatLine(sentAt time.Time, sender, content string) string {
	return fmt.Sprintf("[%s]: [%s]: %s", sentAt.Format(TimestampLayout), sender, content)
}

// ParseChatLine splits a formatted chat line. ok is false for text that is
// not in that shape, such as system notices and the history end marker.
// The timestamp is interpreted in loc (time.Local when nil).
func ParseChatLine(text string, loc *time.Location) (line ChatLine, ok bool) {
	if loc == nil {
		loc = time.Local
	}
	if !strings.HasPrefix(text, "[") {
		return ChatLine{}, false
	}
	rest := text[1:]

	tsEnd := strings.Index(rest, "]: [")
	if tsEnd < 0 {
		return ChatLine{}, false
	}
	sentAt, err := time.ParseInLocation(TimestampLayout, rest[:tsEnd], loc)
	if err != nil {
		return ChatLine{}, false
	}
	rest = rest[tsEnd+len("]: ["):]

	senderEnd := strings.Index(rest, "]: ")
	if senderEnd < 0 {
		return ChatLine{}, false
	}

	return ChatLine{
		SentAt:  sentAt,
		Sender:  rest[:senderEnd],
		Content: rest[senderEnd+len("]: "):],
	}, true
}
