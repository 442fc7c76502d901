package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyWindow_RoleCapsFirst(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	cfg.MaxMessages = 4
	cfg.RoleCaps = map[string]int{RoleTool: 1}

	rc := newRuntimeContext("s", "t", "e", testTime)
	rc.Messages = []Message{
		{Role: RoleUser, Content: "u1"},
		{Role: RoleTool, Content: "t1"},
		{Role: RoleTool, Content: "t2"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleTool, Content: "t3"},
	}

	evicted := applyWindow(&rc, cfg)
	assert.Equal(t, 2, evicted)
	var contents []string
	for _, m := range rc.Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"u1", "a1", "t3"}, contents)
	assert.Equal(t, "tool: t1\ntool: t2", rc.MessagesDigest)
}

func TestApplyWindow_NoEviction(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	rc := newRuntimeContext("s", "t", "e", testTime)
	rc.Messages = []Message{{Role: RoleUser, Content: "hi"}}

	assert.Zero(t, applyWindow(&rc, cfg))
	assert.Empty(t, rc.MessagesDigest)
}

func TestFoldDigest_TruncatesEntriesAndBoundsSize(t *testing.T) {
	long := strings.Repeat("x", 500)
	d := foldDigest("", []Message{{Role: RoleUser, Content: long}}, 20, 4000)
	assert.Equal(t, "user: "+strings.Repeat("x", 17)+"...", d)

	var msgs []Message
	for range 100 {
		msgs = append(msgs, Message{Role: RoleAssistant, Content: "some   assistant\n reply"})
	}
	d = foldDigest(d, msgs, 120, 200)
	assert.LessOrEqual(t, len(d), 200)
	assert.True(t, strings.HasSuffix(d, "assistant: some assistant reply"))
	assert.NotContains(t, d, "xxxx")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "héll...", truncate("héllo wörld", 7))
}
