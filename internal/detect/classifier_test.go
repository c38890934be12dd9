package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyActivityBeatsAttention(t *testing.T) {
	c := NewClassifier()

	// Interrupt hint and a question on screen at once: work wins.
	content := "✻ Pondering… (esc to interrupt)\nDo you want to proceed?"
	assert.Equal(t, VerdictWorking, c.Classify(content, "claude"))
}

func TestClassifySpinnerMeansWorking(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, VerdictWorking, c.Classify("⠋ Running tests", "claude"))
}

func TestClassifySpinnerRuneInBorderIgnored(t *testing.T) {
	c := NewClassifier()

	// A border line reusing a spinner-ish rune must not read as activity.
	content := "╭──────╮\n│ ✳ ok │\n╰──────╯\nall done"
	assert.Equal(t, VerdictIdle, c.Classify(content, "claude"))
}

func TestClassifyPermissionDialogWaiting(t *testing.T) {
	c := NewClassifier()
	content := "│ Do you want to make this edit?\n│\n❯ Yes\n  No, and tell Claude what to do differently"
	assert.Equal(t, VerdictWaiting, c.Classify(content, "claude"))
}

func TestClassifyGenericQuestionWaiting(t *testing.T) {
	c := NewClassifier()
	content := "Deploy finished.\nRestart the server now?"
	assert.Equal(t, VerdictWaiting, c.Classify(content, "gemini"))
}

func TestClassifyContinuePromptWaiting(t *testing.T) {
	c := NewClassifier()
	content := "applied 3 changes\nContinue? [y/n]"
	assert.Equal(t, VerdictWaiting, c.Classify(content, "claude"))
}

func TestClassifyYesNoMarkerWaiting(t *testing.T) {
	c := NewClassifier()
	content := "Overwrite existing file [y/N] "
	assert.Equal(t, VerdictWaiting, c.Classify(content, "gemini"))
}

func TestClassifyEmptyInputBoxWaiting(t *testing.T) {
	c := NewClassifier()
	content := "Response complete.\n╭──────────╮\n│ >        │\n╰──────────╯"
	assert.Equal(t, VerdictWaiting, c.Classify(content, "claude"))
}

func TestClassifyPlainOutputIdle(t *testing.T) {
	c := NewClassifier()
	content := "compiling...\nbuild succeeded\nwrote 14 files"
	assert.Equal(t, VerdictIdle, c.Classify(content, "claude"))
}

func TestClassifyStripsANSI(t *testing.T) {
	c := NewClassifier()
	content := "\x1b[2m\x1b[38;5;244mesc to interrupt\x1b[0m"
	assert.Equal(t, VerdictWorking, c.Classify(content, "claude"))
}

func TestClassifyUnknownToolUsesShellPatterns(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, VerdictWaiting, c.Classify("user@host:~$ ", "something-new"))
}

func TestClassifyEmptyContentIdle(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, VerdictIdle, c.Classify("", "claude"))
	assert.Equal(t, VerdictIdle, c.Classify("\n\n\n", "claude"))
}

func TestSetPatternsReplacesTable(t *testing.T) {
	c := NewClassifier()
	p, err := Compile(&RawPatterns{Activity: []string{"CRUNCHING"}})
	assert.NoError(t, err)
	c.SetPatterns("mytool", p)

	assert.Equal(t, VerdictWorking, c.Classify("CRUNCHING numbers", "mytool"))
	assert.Equal(t, VerdictIdle, c.Classify("nothing here", "mytool"))
}

func TestLastNonEmptyLines(t *testing.T) {
	lines := lastNonEmptyLines("a\n\nb\n \nc\n", 2)
	assert.Equal(t, []string{"b", "c"}, lines)

	lines = lastNonEmptyLines("only", 12)
	assert.Equal(t, []string{"only"}, lines)

	assert.Empty(t, lastNonEmptyLines("", 12))
}
