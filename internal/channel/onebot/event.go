package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/soyeahso/switchboard/internal/domain"
)

// frame is anything the implementation sends: events, or responses to
// our actions (which carry the echo we sent).
type frame struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SelfID      json.Number     `json:"self_id"`
	UserID      json.Number     `json:"user_id"`
	GroupID     json.Number     `json:"group_id"`
	MessageID   json.Number     `json:"message_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Time        int64           `json:"time"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`

	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Wording string          `json:"wording"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s segment) str(key string) string {
	switch v := s.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// parsed is a message event reduced to what the adapter needs.
type parsed struct {
	text      string
	images    []string
	mentioned bool
}

// parseMessage flattens OneBot segments. The message field is either a
// segment array or, in string post format, plain text.
func parseMessage(raw json.RawMessage, selfID string) (parsed, error) {
	var out parsed
	if len(raw) == 0 {
		return out, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, err
		}
		out.text = strings.TrimSpace(s)
		return out, nil
	}

	var segs []segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return out, fmt.Errorf("message segments: %w", err)
	}
	var b strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			b.WriteString(seg.str("text"))
		case "image":
			url := seg.str("url")
			if url == "" {
				url = seg.str("file")
			}
			if url != "" {
				out.images = append(out.images, url)
			}
		case "face":
			fmt.Fprintf(&b, "[表情:%s]", seg.str("id"))
		case "reply":
			fmt.Fprintf(&b, "[回复:%s]", seg.str("id"))
		case "at":
			qq := seg.str("qq")
			if selfID != "" && qq == selfID {
				out.mentioned = true
				continue
			}
			if name := seg.str("name"); name != "" {
				fmt.Fprintf(&b, "@%s ", name)
			} else {
				fmt.Fprintf(&b, "@%s ", qq)
			}
		default:
			fmt.Fprintf(&b, "[%s]", seg.Type)
		}
	}
	out.text = strings.TrimSpace(b.String())
	return out, nil
}

// content builds the inbound content: plain text, or text plus image
// parts when the message carried images.
func content(text string, images []string) domain.Content {
	if len(images) == 0 {
		return domain.Text(text)
	}
	parts := make([]domain.ContentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, domain.TextPart(text))
	}
	for _, url := range images {
		parts = append(parts, domain.ImagePart(url))
	}
	return domain.Parts(parts...)
}

// action is a OneBot API call.
type action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// numericID sends numeric QQ ids as numbers, which every implementation
// accepts, and anything else verbatim.
func numericID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
