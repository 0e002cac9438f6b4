package printer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func newTestPrinter(t *testing.T) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
	var out, errOut bytes.Buffer
	return New(&out, &errOut), &out, &errOut
}

func TestSuccessAddsCheckmarkOnce(t *testing.T) {
	p, out, _ := newTestPrinter(t)
	p.Success("indexed %d bundles", 2)
	p.Success("✓ done")
	assert.Equal(t, "✓ indexed 2 bundles\n✓ done\n", out.String())
}

func TestWarningAndInfo(t *testing.T) {
	p, out, _ := newTestPrinter(t)
	p.Warning("skipped %s", "b1")
	p.Info("plain")
	p.Detail("writes", 3)
	assert.Equal(t, "⚠️  skipped b1\nplain\n  writes: 3\n", out.String())
}

func TestErrorWrapsCause(t *testing.T) {
	p, _, errOut := newTestPrinter(t)
	cause := errors.New("boom")
	err := p.Error("Failed to index", cause, "check the index", "retry")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, errOut.String(), "Failed to index\n\nboom\n")
	assert.Contains(t, errOut.String(), "  2. retry\n")

	err = p.Error("No bundles", nil, "pass a prefix")
	assert.EqualError(t, err, "No bundles")
	assert.Contains(t, errOut.String(), "\npass a prefix\n")
}
