package composer

import (
	"html"
	"regexp"
)

// Stripping is pattern based and lossy: nested or malformed markup may leak
// fragments. The result is only a fallback when no excerpt is set.

var (
	htmlComment   = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlScript    = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	htmlStyle     = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	htmlBlockTag  = regexp.MustCompile(`(?i)</?(?:p|div|br|hr|li|ul|ol|h[1-6]|blockquote|pre|table|tr|td|th|section|article|header|footer|figure|figcaption|aside|nav)\b[^>]*>`)
	htmlAnyTag    = regexp.MustCompile(`(?s)<[^>]*>`)
	mdFence       = regexp.MustCompile("(?ms)^[ \\t]*(?:```|~~~).*?^[ \\t]*(?:```|~~~)[ \\t]*$")
	mdInlineCode  = regexp.MustCompile("`([^`]*)`")
	mdImage       = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink        = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdRefLink     = regexp.MustCompile(`\[([^\]]+)\]\[[^\]]*\]`)
	mdLinkDef     = regexp.MustCompile(`(?m)^[ \t]{0,3}\[[^\]]+\]:[ \t]*\S+.*$`)
	mdRule        = regexp.MustCompile(`(?m)^[ \t]{0,3}(?:[-*_][ \t]*){3,}$`)
	mdHeading     = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]*`)
	mdHeadingTail = regexp.MustCompile(`(?m)[ \t]+#+[ \t]*$`)
	mdQuote       = regexp.MustCompile(`(?m)^[ \t]{0,3}>[ \t]?`)
	mdList        = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`)
	mdStrong      = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdStrongU     = regexp.MustCompile(`__([^_]+)__`)
	mdEm          = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdEmU         = regexp.MustCompile(`(^|[^\w])_([^_\n]+)_([^\w]|$)`)
	mdStrike      = regexp.MustCompile(`~~([^~]+)~~`)
)

// StripHTML drops script/style blocks and comments, removes tags (block tags
// become a space) and unescapes entities.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = htmlComment.ReplaceAllString(s, " ")
	s = htmlScript.ReplaceAllString(s, " ")
	s = htmlStyle.ReplaceAllString(s, " ")
	s = htmlBlockTag.ReplaceAllString(s, " ")
	s = htmlAnyTag.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// StripMarkdown removes code fences, images and common inline/line syntax.
// Link and code span text is kept.
func StripMarkdown(s string) string {
	if s == "" {
		return ""
	}
	s = mdFence.ReplaceAllString(s, " ")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdImage.ReplaceAllString(s, " ")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdRefLink.ReplaceAllString(s, "$1")
	s = mdLinkDef.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, " ")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdHeadingTail.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdList.ReplaceAllString(s, "")
	s = mdStrong.ReplaceAllString(s, "$1")
	s = mdStrongU.ReplaceAllString(s, "$1")
	s = mdEm.ReplaceAllString(s, "$1")
	s = mdEmU.ReplaceAllString(s, "$1$2$3")
	s = mdStrike.ReplaceAllString(s, "$1")
	s = htmlAnyTag.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}
