package bluesky

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/bluesky-social/indigo/api/bsky"
)

type facetKind int

const (
	facetMention facetKind = iota
	facetLink
	facetTag
)

// span is a detected annotation over caption bytes [Start, End).
type span struct {
	Start int
	End   int
	Kind  facetKind
	// Value is the handle (mention), absolute URI (link) or tag text without '#'.
	Value string
}

const maxTagLength = 64

var (
	mentionRe = regexp.MustCompile(`(?:^|[\s(])(@([a-zA-Z0-9.-]+))`)
	linkRe    = regexp.MustCompile(`(?:^|[\s(])((?i:https?://\S+)|(?:[a-zA-Z][a-zA-Z0-9-]*(?:\.[a-zA-Z0-9-]+)+(?:/\S*)?))`)
	tagRe     = regexp.MustCompile(`(?:^|\s)([#＃]([^\s\x{00AD}\x{2060}\x{200A}\x{200B}\x{200C}\x{200D}\x{20E2}]+))`)
	handleRe  = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// detectSpans finds mentions, links and hashtags in text. Offsets are UTF-8
// byte offsets, which is what app.bsky.richtext.facet indexes.
func detectSpans(text string) []span {
	var out []span
	out = append(out, detectMentions(text)...)
	out = append(out, detectLinks(text)...)
	out = append(out, detectTags(text)...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func detectMentions(text string) []span {
	var out []span
	for _, m := range mentionRe.FindAllStringSubmatchIndex(text, -1) {
		start := m[2]
		handle := strings.TrimRight(text[m[4]:m[5]], ".-")
		end := m[4] + len(handle)
		if !handleRe.MatchString(handle) {
			continue
		}
		out = append(out, span{Start: start, End: end, Kind: facetMention, Value: strings.ToLower(handle)})
	}
	return out
}

func detectLinks(text string) []span {
	var out []span
	for _, m := range linkRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		raw := trimLinkTail(text[start:end])
		if raw == "" {
			continue
		}
		end = start + len(raw)

		uri := raw
		if !hasScheme(raw) {
			host := raw
			if i := strings.IndexByte(host, '/'); i >= 0 {
				host = host[:i]
			}
			if !validBareDomain(host) {
				continue
			}
			uri = "https://" + raw
		}
		out = append(out, span{Start: start, End: end, Kind: facetLink, Value: uri})
	}
	return out
}

func detectTags(text string) []span {
	var out []span
	for _, m := range tagRe.FindAllStringSubmatchIndex(text, -1) {
		start := m[2]
		tag := strings.TrimRightFunc(text[m[4]:m[5]], unicode.IsPunct)
		if tag == "" || isAllDigits(tag) || utf8.RuneCountInString(tag) > maxTagLength {
			continue
		}
		end := m[4] + len(tag)
		out = append(out, span{Start: start, End: end, Kind: facetTag, Value: tag})
	}
	return out
}

func hasScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// trimLinkTail drops trailing sentence punctuation and an unbalanced closing
// paren, so "(see example.com)." links only "example.com".
func trimLinkTail(s string) string {
	for {
		trimmed := strings.TrimRight(s, ".,;:!?\"'")
		if strings.HasSuffix(trimmed, ")") && strings.Count(trimmed, "(") < strings.Count(trimmed, ")") {
			trimmed = trimmed[:len(trimmed)-1]
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

func validBareDomain(host string) bool {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// handleResolver maps a handle to its DID.
type handleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// buildFacets turns detected spans into richtext facets. Mentions whose
// handle cannot be resolved are dropped; they stay plain text.
func buildFacets(ctx context.Context, resolver handleResolver, text string) []*bsky.RichtextFacet {
	spans := detectSpans(text)
	if len(spans) == 0 {
		return nil
	}

	facets := make([]*bsky.RichtextFacet, 0, len(spans))
	for _, s := range spans {
		feature := &bsky.RichtextFacet_Features_Elem{}
		switch s.Kind {
		case facetMention:
			did, err := resolver.ResolveHandle(ctx, s.Value)
			if err != nil || did == "" {
				logutil.Debugf("mention not resolved: handle=%s err=%v", s.Value, err)
				continue
			}
			feature.RichtextFacet_Mention = &bsky.RichtextFacet_Mention{
				LexiconTypeID: "app.bsky.richtext.facet#mention",
				Did:           did,
			}
		case facetLink:
			feature.RichtextFacet_Link = &bsky.RichtextFacet_Link{
				LexiconTypeID: "app.bsky.richtext.facet#link",
				Uri:           s.Value,
			}
		case facetTag:
			feature.RichtextFacet_Tag = &bsky.RichtextFacet_Tag{
				LexiconTypeID: "app.bsky.richtext.facet#tag",
				Tag:           s.Value,
			}
		}
		facets = append(facets, &bsky.RichtextFacet{
			Features: []*bsky.RichtextFacet_Features_Elem{feature},
			Index: &bsky.RichtextFacet_ByteSlice{
				ByteStart: int64(s.Start),
				ByteEnd:   int64(s.End),
			},
		})
	}
	if len(facets) == 0 {
		return nil
	}
	return facets
}
