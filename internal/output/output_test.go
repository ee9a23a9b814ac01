package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_Messages(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		icon  string
		text  string
	}{
		{"status", func(w *Writer) { w.Status("🔍", "Scanning") }, "🔍", "Scanning"},
		{"success", func(w *Writer) { w.Successf("Indexed %d files", 3) }, "✅", "Indexed 3 files"},
		{"warning", func(w *Writer) { w.Warningf("Daemon %s", "slow") }, "⚠️", "Daemon slow"},
		{"error", func(w *Writer) { w.Errorf("Failed: %s", "boom") }, "❌", "Failed: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a writer with a buffer
			buf := &bytes.Buffer{}
			w := New(buf)

			// When
			tt.write(w)

			// Then: icon and message are printed on one line
			out := buf.String()
			assert.Contains(t, out, tt.icon)
			assert.Contains(t, out, tt.text)
			assert.True(t, strings.HasSuffix(out, "\n"))
		})
	}
}

func TestWriter_StatusWithoutIcon_Indents(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf).Status("", "detail")
	assert.Equal(t, "   detail\n", buf.String())
}

func TestNew_BufferIsNotColored(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Success("plain")

	assert.NotContains(t, buf.String(), "\x1b[")
	assert.False(t, IsTTY(buf))
	assert.False(t, IsTTY(nil))
}

func TestWriter_FieldAndList(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Field("Mode", "selected")
	w.List("Include", []string{"/a", "/b"})
	w.List("Exclude", nil)

	out := buf.String()
	assert.Contains(t, out, "Mode:")
	assert.Contains(t, out, "selected")
	assert.Contains(t, out, "    /a\n    /b\n")
	assert.Contains(t, out, "(none)")
}

func TestWriter_Code_IndentsLines(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf).Code("line1\nline2")
	assert.Equal(t, "\n  line1\n  line2\n\n", buf.String())
}

func TestWriter_Progress_PlainPrintsLines(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	w.Progress(0.5, "/home")
	w.Progress(2, "done")
	w.ProgressDone()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], " 50% /home")
	assert.Contains(t, lines[1], "100% done")
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		fraction float64
		want     string
	}{
		{0, "░░░░░░░░░░"},
		{0.5, "█████░░░░░"},
		{1, "██████████"},
		{1.5, "██████████"},
		{-1, "░░░░░░░░░░"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenderProgressBar(tt.fraction, 10))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}

func TestGetStyles_NoColorRendersPlain(t *testing.T) {
	s := GetStyles(true)
	assert.Equal(t, "x", s.Header.Render("x"))
	assert.Equal(t, 1, Width(s.Success.Render("x")))
}
