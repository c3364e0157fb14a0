package signers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/georgepadayatti/firmador/pdf/generic"
)

// ByteRangeArrayPlaceholderLength is the number of spaces reserved after "[]"
// for the final /ByteRange value.
const ByteRangeArrayPlaceholderLength = 60

// SubFilterPKCS7Detached is the only signature encoding produced.
const SubFilterPKCS7Detached = "adbe.pkcs7.detached"

var errNoOffset = errors.New("placeholder was not written to a seekable stream")

// SigByteRangeObject is the /ByteRange entry of a signature dictionary. It is
// first written as a blank placeholder and patched in place once the
// position of /Contents and the file size are known.
type SigByteRangeObject struct {
	filled             bool
	rangeObjectOffset  int64
	FirstRegionLen     int64
	SecondRegionOffset int64
	SecondRegionLen    int64
}

// NewSigByteRangeObject creates an unwritten ByteRange placeholder.
func NewSigByteRangeObject() *SigByteRangeObject {
	return &SigByteRangeObject{rangeObjectOffset: -1}
}

// Write implements generic.PdfObject. The first call records the stream
// position when w is an io.Seeker and emits the placeholder.
func (s *SigByteRangeObject) Write(w io.Writer) error {
	if !s.filled {
		if seeker, ok := w.(io.Seeker); ok && s.rangeObjectOffset < 0 {
			pos, err := seeker.Seek(0, io.SeekCurrent)
			if err != nil {
				return err
			}
			s.rangeObjectOffset = pos
		}
		_, err := io.WriteString(w, "[]"+strings.Repeat(" ", ByteRangeArrayPlaceholderLength))
		return err
	}

	repr := s.String()
	if len(repr) > ByteRangeArrayPlaceholderLength+2 {
		return fmt.Errorf("byte range %s does not fit the placeholder", repr)
	}
	_, err := io.WriteString(w, repr)
	return err
}

// FillOffsets sets the two signed regions around [sigStart, sigEnd) of buf
// and overwrites the placeholder in buf. The regions end at len(buf).
func (s *SigByteRangeObject) FillOffsets(buf []byte, sigStart, sigEnd int64) error {
	if s.filled {
		return errors.New("byte range already filled")
	}
	if s.rangeObjectOffset < 0 {
		return errNoOffset
	}
	eof := int64(len(buf))
	if sigStart < 0 || sigEnd < sigStart || sigEnd > eof {
		return fmt.Errorf("%w: gap %d-%d outside %d bytes", ErrInvalidByteRange, sigStart, sigEnd, eof)
	}

	s.FirstRegionLen = sigStart
	s.SecondRegionOffset = sigEnd
	s.SecondRegionLen = eof - sigEnd

	repr := s.String()
	if len(repr) > ByteRangeArrayPlaceholderLength+2 {
		return fmt.Errorf("byte range %s does not fit the placeholder", repr)
	}
	if s.rangeObjectOffset+int64(len(repr)) > eof {
		return fmt.Errorf("%w: placeholder at %d outside %d bytes", ErrInvalidByteRange, s.rangeObjectOffset, eof)
	}
	copy(buf[s.rangeObjectOffset:], repr)
	s.filled = true
	return nil
}

// GetByteRange returns [0, len1, offset2, len2].
func (s *SigByteRangeObject) GetByteRange() []int64 {
	return []int64{0, s.FirstRegionLen, s.SecondRegionOffset, s.SecondRegionLen}
}

func (s *SigByteRangeObject) String() string {
	return fmt.Sprintf("[%d %d %d %d]", 0, s.FirstRegionLen, s.SecondRegionOffset, s.SecondRegionLen)
}

// DERPlaceholder reserves room for the CMS blob as a zero-filled hex string.
type DERPlaceholder struct {
	Value       []byte
	StartOffset int64
	EndOffset   int64
	hasOffsets  bool
}

// NewDERPlaceholder reserves bytesReserved bytes of DER, 16 KiB when not
// positive.
func NewDERPlaceholder(bytesReserved int) *DERPlaceholder {
	if bytesReserved <= 0 {
		bytesReserved = 16 * 1024
	}
	return &DERPlaceholder{Value: make([]byte, bytesReserved)}
}

// Write implements generic.PdfObject and records the offsets of the
// enclosing angle brackets on the first write to a seekable stream.
func (d *DERPlaceholder) Write(w io.Writer) error {
	var start int64 = -1
	if seeker, ok := w.(io.Seeker); ok {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		start = pos
	}

	n, err := io.WriteString(w, "<"+strings.ToUpper(hex.EncodeToString(d.Value))+">")
	if err != nil {
		return err
	}
	if start >= 0 && !d.hasOffsets {
		d.StartOffset = start
		d.EndOffset = start + int64(n)
		d.hasOffsets = true
	}
	return nil
}

// Offsets returns the start and end offsets of the placeholder.
func (d *DERPlaceholder) Offsets() (int64, int64, error) {
	if !d.hasOffsets {
		return 0, 0, errNoOffset
	}
	return d.StartOffset, d.EndOffset, nil
}

// Capacity is the number of DER bytes the placeholder can hold.
func (d *DERPlaceholder) Capacity() int {
	return len(d.Value)
}

// BuildProps contains entries in a signature build properties dictionary.
type BuildProps struct {
	// Name is the application's name.
	Name string
	// Revision is the application's revision ID string (REx entry).
	Revision string
}

// AsPdfObject renders the build properties as a PDF dictionary.
func (b *BuildProps) AsPdfObject() *generic.DictionaryObject {
	props := generic.NewDictionary()
	props.Set("Name", generic.NameObject(b.Name))
	if b.Revision != "" {
		props.Set("REx", generic.NewTextString(b.Revision))
	}
	return props
}

// SignatureObjectOptions contains the entries of a signature dictionary.
type SignatureObjectOptions struct {
	Timestamp     time.Time
	Name          string
	Location      string
	Reason        string
	ContactInfo   string
	AppBuildProps *BuildProps
	BytesReserved int
}

// SignatureObject is a /Sig dictionary with its /ByteRange and /Contents
// placeholders.
type SignatureObject struct {
	*generic.DictionaryObject
	Contents  *DERPlaceholder
	ByteRange *SigByteRangeObject
}

// NewSignatureObject creates a signature dictionary ready to be written by
// the incremental writer.
func NewSignatureObject(opts SignatureObjectOptions) *SignatureObject {
	contents := NewDERPlaceholder(opts.BytesReserved)
	byteRange := NewSigByteRangeObject()

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("Sig"))
	dict.Set("Filter", generic.NameObject("Adobe.PPKLite"))
	dict.Set("SubFilter", generic.NameObject(SubFilterPKCS7Detached))
	dict.Set("ByteRange", byteRange)
	dict.Set("Contents", contents)
	if !opts.Timestamp.IsZero() {
		dict.Set("M", generic.NewLiteralString(FormatPDFDate(opts.Timestamp)))
	}
	if opts.Name != "" {
		dict.Set("Name", generic.NewTextString(opts.Name))
	}
	if opts.Location != "" {
		dict.Set("Location", generic.NewTextString(opts.Location))
	}
	if opts.Reason != "" {
		dict.Set("Reason", generic.NewTextString(opts.Reason))
	}
	if opts.ContactInfo != "" {
		dict.Set("ContactInfo", generic.NewTextString(opts.ContactInfo))
	}
	if opts.AppBuildProps != nil {
		propBuild := generic.NewDictionary()
		propBuild.Set("App", opts.AppBuildProps.AsPdfObject())
		dict.Set("Prop_Build", propBuild)
	}

	return &SignatureObject{DictionaryObject: dict, Contents: contents, ByteRange: byteRange}
}

// FillReservedRegion writes contentBytes as uppercase hex into buf right
// after the '<' at start. The rest of the region keeps its zero padding.
func FillReservedRegion(buf []byte, start, end int64, contentBytes []byte) error {
	if start < 0 || end > int64(len(buf)) || end-start < 2 {
		return fmt.Errorf("%w: region %d-%d outside %d bytes", ErrInvalidByteRange, start, end, len(buf))
	}
	contentHex := strings.ToUpper(hex.EncodeToString(contentBytes))

	bytesReserved := end - start - 2
	if length := int64(len(contentHex)); length > bytesReserved {
		return fmt.Errorf("%w: allocated %d hex digits, contents require %d",
			ErrPlaceholderTooSmall, bytesReserved, length)
	}

	copy(buf[start+1:], contentHex)
	return nil
}

// FormatPDFDate formats t as a PDF date string, D:YYYYMMDDHHmmSS+HH'mm'.
func FormatPDFDate(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("D:%04d%02d%02d%02d%02d%02d%s%02d'%02d'",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		sign, offset/3600, (offset%3600)/60)
}

// ParsePDFDate parses a PDF date string as written by FormatPDFDate, also
// accepting truncated dates and a Z suffix.
func ParsePDFDate(s string) (time.Time, error) {
	value, ok := strings.CutPrefix(s, "D:")
	if !ok || value == "" {
		return time.Time{}, fmt.Errorf("invalid PDF date %q", s)
	}
	value = strings.ReplaceAll(value, "'", "")

	for _, layout := range []string{
		"20060102150405-0700",
		"20060102150405Z",
		"20060102150405",
		"200601021504",
		"2006010215",
		"20060102",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid PDF date %q", s)
}
