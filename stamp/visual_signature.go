package stamp

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"math"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/charmap"

	"github.com/georgepadayatti/firmador/pdf/generic"
)

// ErrInvalidSize is returned for negative appearance dimensions.
var ErrInvalidSize = errors.New("appearance width and height must not be negative")

// Helvetica is a standard Type 1 font, so no font program is embedded.
const fontName = "Helvetica"

// Average Helvetica glyph width relative to the font size.
const avgGlyphWidth = 0.55

// Style configures the look of the appearance.
type Style struct {
	BackgroundColor color.RGBA
	BorderColor     color.RGBA
	BorderWidth     float64
	TextColor       color.RGBA
	// MaxFontSize caps the auto-fitted font size.
	MaxFontSize float64
	// MinFontSize is the smallest size used even if text then overflows.
	MinFontSize float64
	Padding     float64
	// Leading is the line height relative to the font size.
	Leading float64
}

// DefaultStyle returns a white box with a thin black border and black text.
func DefaultStyle() *Style {
	return &Style{
		BackgroundColor: color.RGBA{255, 255, 255, 255},
		BorderColor:     color.RGBA{0, 0, 0, 255},
		BorderWidth:     1,
		TextColor:       color.RGBA{0, 0, 0, 255},
		MaxFontSize:     10,
		MinFontSize:     3,
		Padding:         3,
		Leading:         1.2,
	}
}

// Appearance is the visible signature box.
type Appearance struct {
	Width  float64
	Height float64
	Lines  []string
	Style  *Style
}

// NewAppearance creates an appearance of the given size. A nil style uses
// DefaultStyle.
func NewAppearance(width, height float64, lines []string, style *Style) (*Appearance, error) {
	if width < 0 || height < 0 || math.IsNaN(width) || math.IsNaN(height) {
		return nil, fmt.Errorf("%w: %gx%g", ErrInvalidSize, width, height)
	}
	if style == nil {
		style = DefaultStyle()
	}
	return &Appearance{Width: width, Height: height, Lines: lines, Style: style}, nil
}

// Invisible reports whether the box has no area. Invisible signatures get
// no appearance stream.
func (a *Appearance) Invisible() bool {
	return a.Width == 0 || a.Height == 0
}

// FontSize returns the largest size, up to MaxFontSize, at which every
// line fits inside the padded box.
func (a *Appearance) FontSize() float64 {
	s := a.Style
	size := s.MaxFontSize
	if len(a.Lines) == 0 {
		return size
	}

	innerW := a.Width - 2*s.Padding
	innerH := a.Height - 2*s.Padding
	size = math.Min(size, innerH/(float64(len(a.Lines))*s.Leading))

	longest := 0
	for _, line := range a.Lines {
		longest = max(longest, len([]rune(line)))
	}
	if longest > 0 {
		size = math.Min(size, innerW/(float64(longest)*avgGlyphWidth))
	}
	return math.Max(size, s.MinFontSize)
}

// ContentStream renders the appearance operators.
func (a *Appearance) ContentStream() []byte {
	var buf bytes.Buffer
	s := a.Style

	buf.WriteString("q\n")
	if s.BackgroundColor.A > 0 {
		fmt.Fprintf(&buf, "%s rg\n", rgb(s.BackgroundColor))
		fmt.Fprintf(&buf, "0 0 %s %s re f\n", num(a.Width), num(a.Height))
	}
	if s.BorderWidth > 0 {
		half := s.BorderWidth / 2
		fmt.Fprintf(&buf, "%s RG\n", rgb(s.BorderColor))
		fmt.Fprintf(&buf, "%s w\n", num(s.BorderWidth))
		fmt.Fprintf(&buf, "%s %s %s %s re S\n",
			num(half), num(half), num(a.Width-s.BorderWidth), num(a.Height-s.BorderWidth))
	}

	if len(a.Lines) > 0 {
		size := a.FontSize()
		leading := size * s.Leading
		fmt.Fprintf(&buf, "%s rg\n", rgb(s.TextColor))
		buf.WriteString("BT\n")
		fmt.Fprintf(&buf, "/F1 %s Tf\n", num(size))
		fmt.Fprintf(&buf, "%s TL\n", num(leading))
		fmt.Fprintf(&buf, "%s %s Td\n", num(s.Padding), num(a.Height-s.Padding-size))
		for i, line := range a.Lines {
			if i > 0 {
				buf.WriteString("T*\n")
			}
			buf.Write(generic.EscapeLiteral(winAnsi(line)))
			buf.WriteString(" Tj\n")
		}
		buf.WriteString("ET\n")
	}
	buf.WriteString("Q\n")
	return buf.Bytes()
}

// XObject returns the form XObject for the widget's /AP /N entry. font must
// reference the dictionary from FontDictionary.
func (a *Appearance) XObject(font generic.Reference) (*generic.StreamObject, error) {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(a.ContentStream()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	fonts := generic.NewDictionary()
	fonts.Set("F1", font)
	resources := generic.NewDictionary()
	resources.Set("Font", fonts)
	resources.Set("ProcSet", generic.NewArray(generic.NameObject("PDF"), generic.NameObject("Text")))

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XObject"))
	dict.Set("Subtype", generic.NameObject("Form"))
	dict.Set("FormType", generic.IntegerObject(1))
	dict.Set("BBox", generic.NewRectangleXYWH(0, 0, a.Width, a.Height).ToArray())
	dict.Set("Resources", resources)
	dict.Set("Filter", generic.NameObject("FlateDecode"))
	return generic.NewStream(dict, compressed.Bytes()), nil
}

// FontDictionary returns the Helvetica font used by the appearance text.
func FontDictionary() *generic.DictionaryObject {
	font := generic.NewDictionary()
	font.Set("Type", generic.NameObject("Font"))
	font.Set("Subtype", generic.NameObject("Type1"))
	font.Set("BaseFont", generic.NameObject(fontName))
	font.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	return font
}

// winAnsi encodes s for a WinAnsiEncoding font. Runes outside the code page
// become '?'.
func winAnsi(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			out = append(out, b)
		} else {
			out = append(out, '?')
		}
	}
	return out
}

func rgb(c color.RGBA) string {
	return fmt.Sprintf("%s %s %s",
		num(float64(c.R)/255), num(float64(c.G)/255), num(float64(c.B)/255))
}

func num(f float64) string {
	return generic.FormatReal(f)
}
