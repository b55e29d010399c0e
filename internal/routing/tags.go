package routing

import (
	"os"
	"strings"
	"unicode"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// TagKind distinguishes the two inline tag families.
type TagKind int

const (
	// TagMention is "[@id: payload]", a delegation to a teammate.
	TagMention TagKind = iota
	// TagSendFile is "[send_file: path]", an outbound attachment.
	TagSendFile
)

const sendFileOpen = "[send_file:"

// Tag is one tag found in response text. Start and End are byte offsets of
// the whole tag including its brackets.
type Tag struct {
	Kind    TagKind
	ID      string // mention target, as written
	Payload string // mention message or file path, trimmed and unescaped
	Start   int
	End     int
}

// Mention is a delegation honored for a teammate.
type Mention struct {
	TeammateID string
	Message    string
}

// ScanTags tokenizes text into tags. A tag starts at "[@" or "[send_file:"
// and ends at the first "]" not preceded by a backslash; the payload may span
// lines and "\]" inside it stands for a literal bracket. An opener without a
// closing bracket is plain text.
func ScanTags(text string) []Tag {
	var tags []Tag
	i := 0
	for i < len(text) {
		open := strings.IndexByte(text[i:], '[')
		if open < 0 {
			break
		}
		start := i + open

		var tag Tag
		var ok bool
		switch {
		case strings.HasPrefix(text[start:], "[@"):
			tag, ok = scanMention(text, start)
		case strings.HasPrefix(text[start:], sendFileOpen):
			tag, ok = scanSendFile(text, start)
		}
		if !ok {
			i = start + 1
			continue
		}
		tags = append(tags, tag)
		i = tag.End
	}
	return tags
}

func scanMention(text string, start int) (Tag, bool) {
	idStart := start + 2
	j := idStart
	for j < len(text) && text[j] != ':' {
		c := rune(text[j])
		if unicode.IsSpace(c) || c == '[' || c == ']' {
			return Tag{}, false
		}
		j++
	}
	if j == idStart || j >= len(text) {
		return Tag{}, false
	}
	payload, end, ok := scanPayload(text, j+1)
	if !ok {
		return Tag{}, false
	}
	return Tag{Kind: TagMention, ID: text[idStart:j], Payload: payload, Start: start, End: end}, true
}

func scanSendFile(text string, start int) (Tag, bool) {
	payload, end, ok := scanPayload(text, start+len(sendFileOpen))
	if !ok || payload == "" {
		return Tag{}, false
	}
	return Tag{Kind: TagSendFile, Payload: payload, Start: start, End: end}, true
}

// scanPayload reads from pos to the first unescaped ']' and returns the
// trimmed, unescaped payload and the offset just past the bracket.
func scanPayload(text string, pos int) (string, int, bool) {
	var b strings.Builder
	for k := pos; k < len(text); k++ {
		switch text[k] {
		case '\\':
			if k+1 < len(text) && text[k+1] == ']' {
				b.WriteByte(']')
				k++
				continue
			}
			b.WriteByte('\\')
		case ']':
			return strings.TrimSpace(b.String()), k + 1, true
		default:
			b.WriteByte(text[k])
		}
	}
	return "", 0, false
}

// ExtractMentions returns the delegations in response that fromAgent may
// issue inside teamID: the target must be a registered agent on the same team
// and not fromAgent itself. Other tags are dropped silently. Repeated tags
// are kept, one delegation each.
func ExtractMentions(response, fromAgent, teamID string, reg *models.Registry) []Mention {
	team, ok := reg.Team(teamID)
	if !ok {
		return nil
	}

	var out []Mention
	for _, tag := range ScanTags(response) {
		if tag.Kind != TagMention {
			continue
		}
		id := tag.ID
		if !reg.Agents.Has(id) {
			id = strings.ToLower(id)
		}
		if id == fromAgent || !team.HasMember(id) || !reg.Agents.Has(id) {
			continue
		}
		out = append(out, Mention{TeammateID: id, Message: tag.Payload})
	}
	return out
}

// CollectFiles returns the send_file paths in text that exist on disk, in
// order of appearance and without duplicates.
func CollectFiles(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tag := range ScanTags(text) {
		if tag.Kind != TagSendFile || seen[tag.Payload] {
			continue
		}
		if _, err := os.Stat(tag.Payload); err != nil {
			continue
		}
		seen[tag.Payload] = true
		out = append(out, tag.Payload)
	}
	return out
}

// StripTags removes every mention and send_file tag from text and trims the
// result.
func StripTags(text string) string {
	tags := ScanTags(text)
	if len(tags) == 0 {
		return strings.TrimSpace(text)
	}
	var b strings.Builder
	prev := 0
	for _, tag := range tags {
		b.WriteString(text[prev:tag.Start])
		prev = tag.End
	}
	b.WriteString(text[prev:])
	return strings.TrimSpace(b.String())
}
