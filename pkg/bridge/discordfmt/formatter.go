// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord-flavored markdown to Matrix HTML.
package discordfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting Discord markdown to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe = regexp.MustCompile(`__(.+?)__`)
	italicRe    = regexp.MustCompile(`(^|[^*_])[*_]([^*_\n]+)[*_]`)
	// Discord strikethrough. A backslash escapes the delimiter, which bulk
	// markdown converters tend to miss, so it is matched explicitly here.
	strikeRe     = regexp.MustCompile(`(?:^|[^\\])~~([^~]+)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|(.+?)\|\|`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,3})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
)

// codeBlock holds extracted code block data.
type codeBlock struct {
	lang    string
	content string
}

// Parse converts a Discord markdown message to Matrix event content.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}

	hasFormatting := boldRe.MatchString(text) ||
		underlineRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		spoilerRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		headingRe.MatchString(text) ||
		blockquoteRe.MatchString(text) ||
		ulRe.MatchString(text) ||
		olRe.MatchString(text)

	if !hasFormatting {
		return &ParsedMessage{Body: text}
	}

	// Step 1: Extract code blocks into placeholders.
	var codeBlocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		lang := ""
		content := ""
		if len(parts) >= 3 {
			lang = parts[1]
			content = parts[2]
		} else if len(parts) >= 2 {
			content = parts[1]
		}
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, codeBlock{lang: lang, content: content})
		return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
	})

	// Step 2: Process line-by-line for structural elements on raw text.
	lines := strings.Split(processed, "\n")
	var result []string
	var listType string // "ul", "ol", or ""
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		tag := listType
		result = append(result, "<"+tag+">"+strings.Join(listItems, "")+"</"+tag+">")
		listItems = nil
		listType = ""
	}

	for _, line := range lines {
		// Check blockquote.
		if m := blockquoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}

		// Check heading. Discord only supports levels 1-3.
		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}

		// Check unordered list.
		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		// Check ordered list.
		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		// Regular line.
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	formatted := strings.Join(result, "\n")

	// Step 3: Inline formatting. Strikethrough and spoilers before the rest
	// so their delimiters don't get half-eaten by the italic pattern.
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = ConvertStrikethrough(formatted)
	formatted = spoilerRe.ReplaceAllString(formatted, `<span data-mx-spoiler>$1</span>`)
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = underlineRe.ReplaceAllString(formatted, "<u>$1</u>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<em>$2</em>")

	// Links -- only allow safe URL schemes.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		text, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + text + `</a>`
		}
		// Unsafe scheme (javascript:, data:, etc.) -- render as plain text.
		return text
	})

	// Step 4: Restore code blocks with language hints.
	for i, cb := range codeBlocks {
		placeholder := "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
		escapedContent := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escapedContent + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escapedContent + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder, replacement, 1)
	}

	// Step 5: Line breaks.
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

// ConvertStrikethrough rewrites unescaped ~~text~~ spans to <del> tags. It is
// exported separately because the renderer also applies it to content that
// already went through markdown conversion, which leaves Discord's
// strikethrough delimiters untouched.
func ConvertStrikethrough(text string) string {
	return strikeRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := strikeRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		prefix := ""
		if !strings.HasPrefix(match, "~~") {
			prefix = match[:1]
		}
		return prefix + "<del>" + parts[1] + "</del>"
	})
}
