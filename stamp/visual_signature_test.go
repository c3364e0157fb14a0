package stamp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/firmador/pdf/generic"
)

func TestNewAppearance(t *testing.T) {
	tests := []struct {
		name      string
		w, h      float64
		wantErr   bool
		invisible bool
	}{
		{"visible", 150, 50, false, false},
		{"zero width", 0, 50, false, true},
		{"zero height", 150, 0, false, true},
		{"negative width", -1, 50, true, false},
		{"negative height", 150, -0.5, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAppearance(tt.w, tt.h, []string{"x"}, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.invisible, a.Invisible())
			assert.NotNil(t, a.Style)
		})
	}
}

func TestFontSize(t *testing.T) {
	tests := []struct {
		name  string
		w, h  float64
		lines []string
		want  float64
	}{
		{"roomy box keeps max size", 400, 400, []string{"short"}, 10},
		{"no lines", 10, 10, nil, 10},
		// 7 lines at leading 1.2 in 44 points of height.
		{"height bound", 400, 50, make7("ab"), 44 / (7 * 1.2)},
		// 40 glyphs in 144 points of width.
		{"width bound", 150, 400, []string{strings.Repeat("W", 40)}, 144 / (40 * 0.55)},
		{"clamped to minimum", 10, 10, []string{strings.Repeat("W", 50)}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAppearance(tt.w, tt.h, tt.lines, nil)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, a.FontSize(), 1e-9)
		})
	}
}

func make7(s string) []string {
	lines := make([]string, 7)
	for i := range lines {
		lines[i] = s
	}
	return lines
}

func TestContentStream(t *testing.T) {
	a, err := NewAppearance(150, 50, []string{"Signed by: Ana (QA)", "Ciudad: São Paulo", "Name: 王"}, nil)
	require.NoError(t, err)

	content := string(a.ContentStream())
	assert.True(t, strings.HasPrefix(content, "q\n"))
	assert.True(t, strings.HasSuffix(content, "Q\n"))
	assert.Contains(t, content, "1 1 1 rg\n0 0 150 50 re f\n")
	assert.Contains(t, content, "0 0 0 RG\n1 w\n0.5 0.5 149 49 re S\n")
	assert.Contains(t, content, "BT\n/F1 ")
	assert.Contains(t, content, "(Signed by: Ana \\(QA\\)) Tj\n")
	assert.Contains(t, content, "T*\n")
	assert.Contains(t, content, "(Ciudad: S\xE3o Paulo) Tj\n")
	assert.Contains(t, content, "(Name: ?) Tj\n")
	assert.Equal(t, 2, strings.Count(content, "T*\n"))
}

func TestContentStreamWithoutDecorations(t *testing.T) {
	style := DefaultStyle()
	style.BackgroundColor.A = 0
	style.BorderWidth = 0
	a, err := NewAppearance(100, 40, nil, style)
	require.NoError(t, err)
	assert.Equal(t, "q\nQ\n", string(a.ContentStream()))
}

func TestXObject(t *testing.T) {
	a, err := NewAppearance(150, 50, []string{"Signed by: A"}, nil)
	require.NoError(t, err)

	xobj, err := a.XObject(generic.NewReference(7, 0))
	require.NoError(t, err)
	assert.Equal(t, generic.NameObject("Form"), xobj.Dictionary.Get("Subtype"))
	assert.Equal(t, generic.NameObject("FlateDecode"), xobj.Dictionary.Get("Filter"))

	var buf bytes.Buffer
	require.NoError(t, xobj.Dictionary.Write(&buf))
	assert.Contains(t, buf.String(), "/BBox [0 0 150 50]")
	assert.Contains(t, buf.String(), "/Font << /F1 7 0 R >>")

	zr, err := zlib.NewReader(bytes.NewReader(xobj.Data))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, a.ContentStream(), plain)
}

func TestFontDictionary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FontDictionary().Write(&buf))
	assert.Equal(t, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>", buf.String())
}
