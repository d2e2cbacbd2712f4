package convert

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var cqPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// DecodeCQ splits a CQ-code string into segments. Runs of plain text
// between tokens become text segments; a string with no tokens becomes a
// single text segment equal to the whole input.
func DecodeCQ(content string) []Segment {
	matches := cqPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return []Segment{TextSegment(content)}
	}

	segments := make([]Segment, 0, len(matches)+1)
	cursor := 0

	for _, m := range matches {
		if m[0] > cursor {
			segments = append(segments, TextSegment(content[cursor:m[0]]))
		}

		segType := content[m[2]:m[3]]
		paramsRaw := ""
		if m[4] >= 0 && m[5] >= 0 {
			paramsRaw = content[m[4]:m[5]]
		}

		data := make(map[string]interface{})
		for k, v := range parseCQParams(paramsRaw) {
			data[k] = v
		}
		segments = append(segments, Segment{Type: segType, Data: data})
		cursor = m[1]
	}

	if cursor < len(content) {
		segments = append(segments, TextSegment(content[cursor:]))
	}

	return segments
}

// EncodeCQ renders segments back to CQ-code form. Text segments emit their
// literal text, so encoding the result of decoding a token-free string
// reproduces the original.
func EncodeCQ(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(dataString(seg.Data["text"]))
			continue
		}

		b.WriteString("[CQ:")
		b.WriteString(seg.Type)

		keys := make([]string, 0, len(seg.Data))
		for k := range seg.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(",")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(dataString(seg.Data[k]))
		}
		b.WriteString("]")
	}
	return b.String()
}

func parseCQParams(params string) map[string]string {
	result := make(map[string]string)
	if params == "" {
		return result
	}

	for _, item := range strings.Split(params, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		result[key] = strings.TrimSpace(parts[1])
	}
	return result
}

func dataString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
