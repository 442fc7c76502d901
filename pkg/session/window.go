package session

import (
	"maps"
	"slices"
	"strings"
	"unicode/utf8"
)

// applyWindow enforces per-role caps and then the global cap on
// rc.Messages, folding every evicted message into rc.MessagesDigest.
func applyWindow(rc *RuntimeContext, cfg Config) int {
	var evicted []Message

	for _, role := range slices.Sorted(maps.Keys(cfg.RoleCaps)) {
		limit := cfg.RoleCaps[role]
		if limit < 0 {
			continue
		}
		count := 0
		for _, m := range rc.Messages {
			if m.Role == role {
				count++
			}
		}
		excess := count - limit
		if excess <= 0 {
			continue
		}
		kept := rc.Messages[:0:0]
		for _, m := range rc.Messages {
			if m.Role == role && excess > 0 {
				evicted = append(evicted, m)
				excess--
				continue
			}
			kept = append(kept, m)
		}
		rc.Messages = kept
	}

	if over := len(rc.Messages) - cfg.MaxMessages; cfg.MaxMessages > 0 && over > 0 {
		evicted = append(evicted, rc.Messages[:over]...)
		rc.Messages = append([]Message(nil), rc.Messages[over:]...)
	}

	if len(evicted) > 0 {
		rc.MessagesDigest = foldDigest(rc.MessagesDigest, evicted, cfg.DigestEntryChars, cfg.DigestMaxChars)
	}
	return len(evicted)
}

// foldDigest appends "role: content" lines and drops the oldest lines once
// the digest exceeds maxChars.
func foldDigest(digest string, msgs []Message, entryChars, maxChars int) string {
	var b strings.Builder
	b.WriteString(digest)
	for _, m := range msgs {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(truncate(strings.Join(strings.Fields(m.Content), " "), entryChars))
	}

	out := b.String()
	for len(out) > maxChars {
		i := strings.IndexByte(out, '\n')
		if i < 0 {
			out = truncate(out, maxChars)
			break
		}
		out = out[i+1:]
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
