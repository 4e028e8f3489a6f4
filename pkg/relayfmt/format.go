// Copyright 2024-2026 Aiku AI

// Package relayfmt renders relayed chat lines into Mattermost markdown and
// parses them back into their components.
//
// A chat line is rendered as
//
//	<prefix>**[<label>]** <text>
//
// and an externally supplied line, which has no label, as
//
//	<prefix> <text>
//
// Parse must recover the same components from posts made by other relay
// processes, so the format is fixed.
package relayfmt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	labelOpen  = "**["
	labelClose = "]** "
)

// labelRe matches the first bracketed label. Labels never contain "]".
var labelRe = regexp.MustCompile(`(?s)^(.*?)\*\*\[([^\]]*)\]\*\* (.*)$`)

// Parsed holds the components of a rendered line.
type Parsed struct {
	Prefix string
	Label  string
	Text   string
}

// Render formats a labelled chat line.
func Render(prefix, label, text string) string {
	var sb strings.Builder
	sb.Grow(len(prefix) + len(label) + len(text) + len(labelOpen) + len(labelClose))
	sb.WriteString(prefix)
	sb.WriteString(labelOpen)
	sb.WriteString(label)
	sb.WriteString(labelClose)
	sb.WriteString(text)
	return sb.String()
}

// RenderExternal formats a line without a label.
func RenderExternal(prefix, text string) string {
	return prefix + " " + text
}

// Parse splits a rendered line. Without a bracketed label the prefix is
// everything before the first space.
func Parse(body string) Parsed {
	if m := labelRe.FindStringSubmatch(body); m != nil {
		return Parsed{Prefix: m[1], Label: m[2], Text: m[3]}
	}
	prefix, text, found := strings.Cut(body, " ")
	if !found {
		return Parsed{Text: body}
	}
	return Parsed{Prefix: prefix, Text: text}
}

// ErrUnsafePrefix is returned by CheckPrefix for prefixes Parse could not
// recover.
var ErrUnsafePrefix = errors.New("prefix cannot be parsed back")

// CheckPrefix reports whether prefix survives a Render and Parse round trip.
// No prefix may contain the label opener. Lines without a label are split at
// the first space, so their prefix must also be a single word.
func CheckPrefix(prefix string, labelled bool) error {
	if strings.Contains(prefix, labelOpen) {
		return fmt.Errorf("%w: must not contain %q", ErrUnsafePrefix, labelOpen)
	}
	if !labelled && strings.IndexFunc(prefix, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: must not contain whitespace", ErrUnsafePrefix)
	}
	return nil
}

// SanitizeLabel strips characters that would break the label brackets.
func SanitizeLabel(label string) string {
	return strings.NewReplacer("]", "", "\n", " ", "\r", "").Replace(label)
}
