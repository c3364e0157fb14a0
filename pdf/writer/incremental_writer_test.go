package writer

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/digitorus/pdf"
	"github.com/georgepadayatti/firmador/internal/testpki"
	"github.com/georgepadayatti/firmador/pdf/generic"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reread(t *testing.T, data []byte) *pdf.Reader {
	t.Helper()
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return rdr
}

func sigField(page int) SignatureField {
	return SignatureField{
		Name: "Signature1",
		Page: page,
		Rect: generic.NewRectangleXYWH(100, 100, 150, 50),
	}
}

func TestNewIncrementalWriter(t *testing.T) {
	original := testpki.MinimalPDF(2)
	w, err := NewIncrementalWriter(original)
	require.NoError(t, err)

	assert.Equal(t, 2, w.NumPages())
	assert.False(t, w.UsesXrefStream())
	assert.Equal(t, int64(len(original)), w.OriginalLen())
	assert.Equal(t, int64(len(original)), w.Len())
	assert.Equal(t, "Catalog", w.Catalog().Key("Type").Name())

	// 2 pages: catalog, pages, info and two content/page pairs.
	assert.Equal(t, generic.NewReference(8, 0), w.Allocate())
	assert.Equal(t, generic.NewReference(9, 0), w.Allocate())
}

func TestNewIncrementalWriterRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a pdf", []byte("hello world")},
		{"truncated", testpki.MinimalPDF(1)[:200]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIncrementalWriter(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestFindStartXref(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int64
		wantErr bool
	}{
		{"simple", "%PDF-1.7\nxref\nstartxref\n9\n%%EOF\n", 9, false},
		{"last wins", "%PDF-1.7 startxref\n1\n%%EOF\nxref startxref\n27\n%%EOF", 27, false},
		{"missing", "%PDF-1.7\n%%EOF\n", 0, true},
		{"no number", "%PDF-1.7\nstartxref\n", 0, true},
		{"not numeric", "%PDF-1.7\nstartxref\nabc\n%%EOF", 0, true},
		{"out of range", "%PDF-1.7\nstartxref\n99999\n%%EOF", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := findStartXref([]byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoStartXref)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPageNotFound(t *testing.T) {
	w, err := NewIncrementalWriter(testpki.MinimalPDF(1))
	require.NoError(t, err)

	for _, page := range []int{0, -1, 2} {
		_, err := w.Page(page)
		assert.ErrorIs(t, err, ErrPageNotFound, "page %d", page)

		_, err = w.AddSignatureField(sigField(page))
		assert.ErrorIs(t, err, ErrPageNotFound, "page %d", page)
	}
}

func TestAddSignatureFieldWithoutForm(t *testing.T) {
	original := testpki.MinimalPDF(2)
	w, err := NewIncrementalWriter(original)
	require.NoError(t, err)

	sigRef, err := w.AddObject(generic.NewDictionary())
	require.NoError(t, err)
	field := sigField(2)
	field.Signature = sigRef
	widgetRef, err := w.AddSignatureField(field)
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	out := w.Bytes()
	assert.True(t, bytes.HasPrefix(out, original), "original revision must be preserved")
	assert.True(t, bytes.HasSuffix(out, []byte("%%EOF\n")))

	rdr := reread(t, out)
	assert.Equal(t, 2, rdr.NumPage())

	prev, err := findStartXref(original)
	require.NoError(t, err)
	assert.Equal(t, prev, rdr.Trailer().Key("Prev").Int64())

	form := rdr.Trailer().Key("Root").Key("AcroForm")
	assert.EqualValues(t, 3, form.Key("SigFlags").Int64())
	require.Equal(t, 1, form.Key("Fields").Len())

	widget := form.Key("Fields").Index(0)
	assert.Equal(t, widgetRef, generic.RefOf(widget))
	assert.Equal(t, "Sig", widget.Key("FT").Name())
	assert.Equal(t, "Widget", widget.Key("Subtype").Name())
	assert.Equal(t, "Signature1", widget.Key("T").Text())
	assert.EqualValues(t, 132, widget.Key("F").Int64())
	assert.Equal(t, sigRef, generic.RefOf(widget.Key("V")))
	assert.True(t, widget.Key("AP").IsNull())

	rect := widget.Key("Rect")
	require.Equal(t, 4, rect.Len())
	assert.Equal(t, 250.0, rect.Index(2).Float64())

	annots := rdr.Page(2).V.Key("Annots")
	require.Equal(t, 1, annots.Len())
	assert.Equal(t, widgetRef, generic.RefOf(annots.Index(0)))
	assert.True(t, rdr.Page(1).V.Key("Annots").IsNull())

	id := rdr.Trailer().Key("ID")
	require.Equal(t, 2, id.Len())
	assert.Equal(t, "\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0A\x0B\x0C\x0D\x0E\x0F\x10", id.Index(0).RawString())
}

func TestAddSignatureFieldIndirectForm(t *testing.T) {
	original := testpki.BuildPDF(testpki.PDFOptions{Pages: 1, AcroForm: true})
	w, err := NewIncrementalWriter(original)
	require.NoError(t, err)

	field := sigField(1)
	field.Appearance, err = w.AddObject(generic.NewStream(nil, []byte("q Q")))
	require.NoError(t, err)
	_, err = w.AddSignatureField(field)
	require.NoError(t, err)

	// The form lives in object 4 and is rewritten there; the catalog stays.
	_, formRewritten := w.offsets[4]
	_, catalogRewritten := w.offsets[1]
	assert.True(t, formRewritten)
	assert.False(t, catalogRewritten)
	require.NoError(t, w.Finish())

	rdr := reread(t, w.Bytes())
	form := rdr.Trailer().Key("Root").Key("AcroForm")
	assert.Equal(t, generic.NewReference(4, 0), generic.RefOf(form))
	assert.EqualValues(t, 3, form.Key("SigFlags").Int64())
	require.Equal(t, 1, form.Key("Fields").Len())
	assert.Equal(t, pdf.Stream, form.Key("Fields").Index(0).Key("AP").Key("N").Kind())
}

func TestUniqueFieldNameAcrossRevisions(t *testing.T) {
	data := testpki.MinimalPDF(1)
	var names []string
	for i := 0; i < 3; i++ {
		w, err := NewIncrementalWriter(data)
		require.NoError(t, err)
		_, err = w.AddSignatureField(sigField(1))
		require.NoError(t, err)
		require.NoError(t, w.Finish())
		data = w.Bytes()

		rdr := reread(t, data)
		fields := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
		require.Equal(t, i+1, fields.Len())
		names = append(names, fields.Index(i).Key("T").Text())
		assert.Equal(t, i+1, rdr.Page(1).V.Key("Annots").Len())
	}
	assert.Equal(t, []string{"Signature1", "Signature2", "Signature3"}, names)
}

func TestUniqueFieldName(t *testing.T) {
	data := testpki.MinimalPDF(1)
	w, err := NewIncrementalWriter(data)
	require.NoError(t, err)
	assert.Equal(t, "Approval", w.UniqueFieldName("Approval"))
	assert.Empty(t, w.FieldNames())
}

func TestMissingTrailingNewline(t *testing.T) {
	original := testpki.BuildPDF(testpki.PDFOptions{Pages: 1, NoTrailingNewline: true})
	w, err := NewIncrementalWriter(original)
	require.NoError(t, err)
	_, err = w.AddObject(generic.NewDictionary())
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	out := w.Bytes()
	require.Greater(t, len(out), len(original))
	assert.True(t, bytes.HasPrefix(out, original))
	assert.Equal(t, byte('\n'), out[len(original)])
	reread(t, out)
}

func TestXrefStreamUpdate(t *testing.T) {
	original := testpki.BuildPDF(testpki.PDFOptions{Pages: 1, XrefStream: true})
	w, err := NewIncrementalWriter(original)
	require.NoError(t, err)
	assert.True(t, w.UsesXrefStream())

	_, err = w.AddSignatureField(sigField(1))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	out := w.Bytes()
	assert.True(t, bytes.HasPrefix(out, original))

	rdr := reread(t, out)
	assert.Equal(t, "XRef", rdr.Trailer().Key("Type").Name())
	assert.Equal(t, 1, rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields").Len())
	assert.Equal(t, 1, rdr.Page(1).V.Key("Annots").Len())
}

func TestFinishTwice(t *testing.T) {
	w, err := NewIncrementalWriter(testpki.MinimalPDF(1))
	require.NoError(t, err)
	require.NoError(t, w.Finish())
	assert.ErrorIs(t, w.Finish(), ErrAlreadyFinished)
	_, err = w.AddObject(generic.NewDictionary())
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestXrefKeepsGeneration(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		original := testpki.MinimalPDF(1)
		w, err := NewIncrementalWriter(original)
		require.NoError(t, err)
		ref := generic.NewReference(w.Allocate().ObjectNumber, 3)
		require.NoError(t, w.WriteObject(ref, generic.NewDictionary()))
		require.NoError(t, w.Finish())

		update := string(w.Bytes()[len(original):])
		assert.Contains(t, update, "6 3 obj\n")
		assert.Contains(t, update, "6 1\n")
		assert.Contains(t, update, " 00003 n \n")
		reread(t, w.Bytes())
	})

	t.Run("stream", func(t *testing.T) {
		original := testpki.BuildPDF(testpki.PDFOptions{Pages: 1, XrefStream: true})
		w, err := NewIncrementalWriter(original)
		require.NoError(t, err)
		ref := generic.NewReference(w.Allocate().ObjectNumber, 2)
		require.NoError(t, w.WriteObject(ref, generic.NewDictionary()))
		require.NoError(t, w.Finish())

		out := w.Bytes()
		reread(t, out)

		update := out[len(original):]
		start := bytes.LastIndex(update, []byte("\nstream\n"))
		end := bytes.LastIndex(update, []byte("\nendstream"))
		require.True(t, start >= 0 && end > start)
		zr, err := zlib.NewReader(bytes.NewReader(update[start+len("\nstream\n") : end]))
		require.NoError(t, err)
		rows, err := io.ReadAll(zr)
		require.NoError(t, err)

		// Two rows of /W [1 4 2]: the new object then the xref stream itself.
		require.Len(t, rows, 14)
		assert.Equal(t, byte(1), rows[0])
		assert.Equal(t, uint16(2), binary.BigEndian.Uint16(rows[5:7]))
		assert.Equal(t, uint16(0), binary.BigEndian.Uint16(rows[12:14]))
	})
}
