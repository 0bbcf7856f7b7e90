// Package token defines the immutable game entity replicated through the
// chronicle. Tokens are cloned on every boundary crossing so external
// aliasing can never reach replicated state.
package token

import (
	"sort"

	"github.com/google/uuid"
)

// Token is an identified game entity. Two tokens are equal iff their IDs
// match; every other field is descriptive.
type Token struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Group       string         `json:"group,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Attachments []Token        `json:"attachments,omitempty"`
}

// New creates a token with a fresh id.
func New(label string) Token {
	return Token{ID: uuid.NewString(), Label: label}
}

// Equal compares by identity only.
func (t Token) Equal(other Token) bool { return t.ID == other.ID }

// HasTag reports whether the tag is present.
func (t Token) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// WithTag returns a copy carrying the tag. The receiver is untouched.
func (t Token) WithTag(tag string) Token {
	out := t.Clone()
	if out.HasTag(tag) {
		return out
	}
	out.Tags = append(out.Tags, tag)
	sort.Strings(out.Tags)
	return out
}

// WithoutTag returns a copy with the tag removed.
func (t Token) WithoutTag(tag string) Token {
	out := t.Clone()
	tags := out.Tags[:0]
	for _, v := range out.Tags {
		if v != tag {
			tags = append(tags, v)
		}
	}
	out.Tags = tags
	return out
}

// WithMeta returns a copy with the meta key set.
func (t Token) WithMeta(key string, value any) Token {
	out := t.Clone()
	if out.Meta == nil {
		out.Meta = make(map[string]any)
	}
	out.Meta[key] = value
	return out
}

// Attach returns a copy with child appended to the attachment list.
func (t Token) Attach(child Token) Token {
	out := t.Clone()
	out.Attachments = append(out.Attachments, child.Clone())
	return out
}

// Detach returns a copy without the named attachment, plus the detached
// child and whether it was found.
func (t Token) Detach(childID string) (Token, Token, bool) {
	out := t.Clone()
	for i, c := range out.Attachments {
		if c.ID == childID {
			out.Attachments = append(out.Attachments[:i], out.Attachments[i+1:]...)
			return out, c, true
		}
	}
	return out, Token{}, false
}

// Clone deep-copies the token so callers cannot mutate shared state.
func (t Token) Clone() Token {
	out := t
	out.Meta = CloneMap(t.Meta)
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.Attachments != nil {
		out.Attachments = make([]Token, len(t.Attachments))
		for i, c := range t.Attachments {
			out.Attachments[i] = c.Clone()
		}
	}
	return out
}

// CloneAll deep-copies a token slice.
func CloneAll(ts []Token) []Token {
	if ts == nil {
		return nil
	}
	out := make([]Token, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

// CloneMap creates a deep copy of a meta map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = CloneMap(val)
		case []any:
			out[k] = CloneSlice(val)
		default:
			// primitives are copied by value
			out[k] = val
		}
	}
	return out
}

// CloneSlice creates a deep copy of a slice of arbitrary values.
func CloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, e := range s {
		switch v := e.(type) {
		case map[string]any:
			out[i] = CloneMap(v)
		case []any:
			out[i] = CloneSlice(v)
		default:
			out[i] = v
		}
	}
	return out
}
