// Package composer builds the pieces of a chat turn: the history window,
// the retrieval query and the memory context block.
package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/vaultchat/internal/storage"
)

const (
	defaultHistoryWindow = 12
	defaultMemoryChars   = 400
	defaultContextBudget = 1800
	defaultSnippetChars  = 160
	defaultMaxSnippets   = 3
)

// ContextInstruction precedes the memory block in the prompt.
const ContextInstruction = "The following are the user's own historical records, retrieved because they may relate to the message. " +
	"They are records written by the user, not your memories. Use them only when relevant. " +
	"If they are not sufficient to answer, say so explicitly instead of guessing."

// Composer holds the size limits for turn composition.
type Composer struct {
	HistoryWindow int // turns of history sent to generation
	MemoryChars   int // per-memory truncation in the context block
	ContextBudget int // cumulative memory characters in the context block
	SnippetChars  int // per-snippet truncation in the response
	MaxSnippets   int
}

// New creates a Composer. historyWindow <= 0 selects the default (12).
func New(historyWindow int) *Composer {
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Composer{
		HistoryWindow: historyWindow,
		MemoryChars:   defaultMemoryChars,
		ContextBudget: defaultContextBudget,
		SnippetChars:  defaultSnippetChars,
		MaxSnippets:   defaultMaxSnippets,
	}
}

// History returns the last HistoryWindow turns in order, without error turns
// and without a trailing user turn that duplicates the current message
// (the caller may have stored it already).
func (c *Composer) History(turns []storage.ConversationTurn, current string) []storage.ConversationTurn {
	kept := make([]storage.ConversationTurn, 0, len(turns))
	for _, t := range turns {
		if t.IsError || strings.TrimSpace(t.Text) == "" {
			continue
		}
		kept = append(kept, t)
	}
	if n := len(kept); n > 0 && kept[n-1].IsUser && sameText(kept[n-1].Text, current) {
		kept = kept[:n-1]
	}
	if len(kept) > c.HistoryWindow {
		kept = kept[len(kept)-c.HistoryWindow:]
	}
	return kept
}

// SearchQuery prefixes the current message with the latest earlier user
// turn that is not a copy of it. userTurns are in chronological order.
func (c *Composer) SearchQuery(userTurns []storage.ConversationTurn, current string) string {
	current = strings.TrimSpace(current)
	for i := len(userTurns) - 1; i >= 0; i-- {
		prev := strings.TrimSpace(userTurns[i].Text)
		if prev == "" || userTurns[i].IsError || sameText(prev, current) {
			continue
		}
		return prev + "\n" + current
	}
	return current
}

// ContextBlock renders ranked memory plaintexts under ContextInstruction.
// Each memory is cut to MemoryChars; once the cumulative ContextBudget
// would be exceeded, that memory and every lower-ranked one are dropped.
// Returns "" when nothing fits.
func (c *Composer) ContextBlock(memories []string) string {
	var entries []string
	used := 0
	for _, m := range memories {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		m = Truncate(m, c.MemoryChars)
		n := utf8.RuneCountInString(m)
		if used+n > c.ContextBudget {
			break
		}
		used += n
		entries = append(entries, m)
	}
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(ContextInstruction)
	sb.WriteString("\n\n[User Records]\n")
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Snippets returns up to MaxSnippets truncated memories for display.
func (c *Composer) Snippets(memories []string) []string {
	out := make([]string, 0, c.MaxSnippets)
	for _, m := range memories {
		if len(out) == c.MaxSnippets {
			break
		}
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		out = append(out, Truncate(m, c.SnippetChars))
	}
	return out
}

// Truncate shortens s to at most n runes, ending in "…" when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
