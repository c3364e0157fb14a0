// Package writer appends incremental updates to existing PDF files.
//
// The original bytes are copied verbatim and never modified. New and updated
// objects, a cross-reference section and a trailer pointing back to the
// previous revision are appended after them.
package writer

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/digitorus/pdf"
	"github.com/klauspost/compress/zlib"
	"github.com/mattetti/filebuffer"

	"github.com/georgepadayatti/firmador/pdf/generic"
)

// Common errors
var (
	ErrInvalidPDF      = errors.New("invalid PDF document")
	ErrNoStartXref     = errors.New("startxref not found")
	ErrPageNotFound    = errors.New("page not found")
	ErrAlreadyFinished = errors.New("incremental update already finished")
)

// IncrementalWriter collects the objects of one incremental update.
type IncrementalWriter struct {
	original   []byte
	reader     *pdf.Reader
	out        *filebuffer.Buffer
	nextObj    int
	prevXref   int64
	xrefStream bool
	offsets    map[int]int64
	gens       map[int]int
	finished   bool
}

// NewIncrementalWriter parses original and prepares an update on top of it.
func NewIncrementalWriter(original []byte) (*IncrementalWriter, error) {
	rdr, err := pdf.NewReader(bytes.NewReader(original), int64(len(original)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	prev, err := findStartXref(original)
	if err != nil {
		return nil, err
	}

	size := rdr.Trailer().Key("Size").Int64()
	if size <= 0 {
		return nil, fmt.Errorf("%w: trailer has no /Size", ErrInvalidPDF)
	}
	if rdr.Trailer().Key("Root").IsNull() {
		return nil, fmt.Errorf("%w: trailer has no /Root", ErrInvalidPDF)
	}

	out := filebuffer.New([]byte{})
	if _, err := out.Write(original); err != nil {
		return nil, err
	}
	if len(original) > 0 && original[len(original)-1] != '\n' && original[len(original)-1] != '\r' {
		if _, err := out.Write([]byte("\n")); err != nil {
			return nil, err
		}
	}

	section := bytes.TrimLeft(original[prev:], " \t\r\n")
	return &IncrementalWriter{
		original:   original,
		reader:     rdr,
		out:        out,
		nextObj:    int(size),
		prevXref:   prev,
		xrefStream: !bytes.HasPrefix(section, []byte("xref")),
		offsets:    make(map[int]int64),
		gens:       make(map[int]int),
	}, nil
}

// findStartXref returns the offset recorded after the last startxref keyword.
func findStartXref(data []byte) (int64, error) {
	tail := data
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, ErrNoStartXref
	}
	fields := bytes.Fields(tail[idx+len("startxref"):])
	if len(fields) == 0 {
		return 0, ErrNoStartXref
	}
	offset, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil || offset < 0 || offset >= int64(len(data)) {
		return 0, fmt.Errorf("%w: bad offset %q", ErrNoStartXref, fields[0])
	}
	return offset, nil
}

// Reader returns the parser for the original document.
func (w *IncrementalWriter) Reader() *pdf.Reader {
	return w.reader
}

// UsesXrefStream reports whether the previous revision ends in a
// cross-reference stream. The update follows the same form.
func (w *IncrementalWriter) UsesXrefStream() bool {
	return w.xrefStream
}

// NumPages returns the page count of the original document.
func (w *IncrementalWriter) NumPages() int {
	return w.reader.NumPage()
}

// Catalog returns the document catalog.
func (w *IncrementalWriter) Catalog() pdf.Value {
	return w.reader.Trailer().Key("Root")
}

// Page returns the page dictionary for a 1-based page number.
func (w *IncrementalWriter) Page(num int) (pdf.Value, error) {
	if num < 1 || num > w.reader.NumPage() {
		return pdf.Value{}, fmt.Errorf("%w: page %d of %d", ErrPageNotFound, num, w.reader.NumPage())
	}
	page := w.reader.Page(num).V
	if page.IsNull() || generic.RefOf(page).IsZero() {
		return pdf.Value{}, fmt.Errorf("%w: page %d", ErrPageNotFound, num)
	}
	return page, nil
}

// Allocate reserves a new object number.
func (w *IncrementalWriter) Allocate() generic.Reference {
	ref := generic.NewReference(w.nextObj, 0)
	w.nextObj++
	return ref
}

// AddObject allocates a number for obj and writes it.
func (w *IncrementalWriter) AddObject(obj generic.PdfObject) (generic.Reference, error) {
	ref := w.Allocate()
	return ref, w.WriteObject(ref, obj)
}

// WriteObject writes obj under ref. Writing an existing object number
// replaces that object in the new revision.
//
// Objects are serialized straight into the output buffer, so placeholders
// that record their position through io.Seeker see absolute file offsets.
func (w *IncrementalWriter) WriteObject(ref generic.Reference, obj generic.PdfObject) error {
	if w.finished {
		return ErrAlreadyFinished
	}
	pos, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.offsets[ref.ObjectNumber] = pos
	w.gens[ref.ObjectNumber] = ref.GenerationNumber
	if _, err := fmt.Fprintf(w.out, "%d %d obj\n", ref.ObjectNumber, ref.GenerationNumber); err != nil {
		return err
	}
	if err := obj.Write(w.out); err != nil {
		return fmt.Errorf("failed to write object %s: %w", ref, err)
	}
	_, err = io.WriteString(w.out, "\nendobj\n")
	return err
}

// Finish writes the cross-reference section and trailer.
func (w *IncrementalWriter) Finish() error {
	if w.finished {
		return ErrAlreadyFinished
	}
	var err error
	if w.xrefStream {
		err = w.writeXrefStream()
	} else {
		err = w.writeXrefTable()
	}
	if err != nil {
		return err
	}
	w.finished = true
	return nil
}

// Bytes returns the complete file. The slice aliases the output buffer:
// after Finish, reserved regions are patched by copying into it. Writing to
// the buffer through Seek and Write would truncate it at the seek point.
func (w *IncrementalWriter) Bytes() []byte {
	return w.out.Buff.Bytes()
}

// Len returns the current file size.
func (w *IncrementalWriter) Len() int64 {
	return int64(w.out.Buff.Len())
}

// OriginalLen returns the size of the untouched original.
func (w *IncrementalWriter) OriginalLen() int64 {
	return int64(len(w.original))
}

type subsection struct {
	start   int
	numbers []int
}

func (w *IncrementalWriter) subsections() []subsection {
	numbers := make([]int, 0, len(w.offsets))
	for n := range w.offsets {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)

	var subs []subsection
	for _, n := range numbers {
		if len(subs) > 0 {
			last := &subs[len(subs)-1]
			if n == last.start+len(last.numbers) {
				last.numbers = append(last.numbers, n)
				continue
			}
		}
		subs = append(subs, subsection{start: n, numbers: []int{n}})
	}
	return subs
}

func (w *IncrementalWriter) trailerDict() *generic.DictionaryObject {
	trailer := w.reader.Trailer()
	dict := generic.NewDictionary()
	dict.Set("Size", generic.IntegerObject(w.nextObj))
	dict.Set("Root", generic.RefOf(trailer.Key("Root")))
	if info := trailer.Key("Info"); !info.IsNull() {
		if ref := generic.RefOf(info); !ref.IsZero() {
			dict.Set("Info", ref)
		}
	}
	dict.Set("ID", w.documentID())
	dict.Set("Prev", generic.IntegerObject(w.prevXref))
	return dict
}

// documentID keeps the permanent identifier of the original and generates a
// fresh changing identifier for this revision.
func (w *IncrementalWriter) documentID() generic.ArrayObject {
	changing := make([]byte, 16)
	_, _ = rand.Read(changing)

	id := w.reader.Trailer().Key("ID")
	if id.Kind() == pdf.Array && id.Len() >= 1 && id.Index(0).Kind() == pdf.String {
		return generic.NewArray(generic.NewHexString([]byte(id.Index(0).RawString())), generic.NewHexString(changing))
	}
	return generic.NewArray(generic.NewHexString(changing), generic.NewHexString(changing))
}

func (w *IncrementalWriter) writeXrefTable() error {
	xrefOffset, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("xref\n")
	for _, sub := range w.subsections() {
		fmt.Fprintf(&buf, "%d %d\n", sub.start, len(sub.numbers))
		for _, n := range sub.numbers {
			fmt.Fprintf(&buf, "%010d %05d n \n", w.offsets[n], w.gens[n])
		}
	}
	buf.WriteString("trailer\n")
	if err := w.trailerDict().Write(&buf); err != nil {
		return err
	}
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	_, err = w.out.Write(buf.Bytes())
	return err
}

// writeXrefStream writes a compressed cross-reference stream with
// /W [1 4 2]. The stream object lists itself.
func (w *IncrementalWriter) writeXrefStream() error {
	ref := w.Allocate()
	xrefOffset, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.offsets[ref.ObjectNumber] = xrefOffset

	var rows bytes.Buffer
	index := generic.ArrayObject{}
	for _, sub := range w.subsections() {
		index = append(index, generic.IntegerObject(sub.start), generic.IntegerObject(len(sub.numbers)))
		for _, n := range sub.numbers {
			var row [7]byte
			row[0] = 1
			binary.BigEndian.PutUint32(row[1:5], uint32(w.offsets[n]))
			binary.BigEndian.PutUint16(row[5:7], uint16(w.gens[n]))
			rows.Write(row[:])
		}
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(rows.Bytes()); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	dict := w.trailerDict()
	dict.Set("Type", generic.NameObject("XRef"))
	dict.Set("W", generic.NewArray(generic.IntegerObject(1), generic.IntegerObject(4), generic.IntegerObject(2)))
	dict.Set("Index", index)
	dict.Set("Filter", generic.NameObject("FlateDecode"))

	if _, err := fmt.Fprintf(w.out, "%d 0 obj\n", ref.ObjectNumber); err != nil {
		return err
	}
	if err := generic.NewStream(dict, compressed.Bytes()).Write(w.out); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.out, "\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return err
}
