package testpki

import (
	"bytes"
	"fmt"
)

// PDFOptions configures BuildPDF.
type PDFOptions struct {
	// Pages is the number of pages, at least one.
	Pages int
	// AcroForm adds an indirect, empty interactive form to the catalog.
	AcroForm bool
	// NoTrailingNewline drops the final EOL after %%EOF.
	NoTrailingNewline bool
	// XrefStream writes an uncompressed cross-reference stream instead of a table.
	XrefStream bool
}

// MinimalPDF returns a small, valid PDF with a classic cross-reference table.
func MinimalPDF(pages int) []byte {
	return BuildPDF(PDFOptions{Pages: pages})
}

// BuildPDF writes a PDF 1.7 file from scratch.
func BuildPDF(opts PDFOptions) []byte {
	if opts.Pages < 1 {
		opts.Pages = 1
	}

	var objects []string
	add := func(body string) int {
		objects = append(objects, body)
		return len(objects)
	}

	catalogID := add("")
	pagesID := add("")
	infoID := add("<< /Producer (firmador testpki) /Title (Test Document) >>")
	acroID := 0
	if opts.AcroForm {
		acroID = add("<< /Fields [] >>")
	}

	var kids []int
	for i := 0; i < opts.Pages; i++ {
		content := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (Page %d) Tj ET", i+1)
		contentID := add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
		pageID := add(fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] "+
			"/Resources << /Font << /F1 << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> >> >> "+
			"/Contents %d 0 R >>", pagesID, contentID))
		kids = append(kids, pageID)
	}

	var kidRefs bytes.Buffer
	for i, id := range kids {
		if i > 0 {
			kidRefs.WriteByte(' ')
		}
		fmt.Fprintf(&kidRefs, "%d 0 R", id)
	}
	objects[pagesID-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kidRefs.String(), len(kids))
	if acroID != 0 {
		objects[catalogID-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R /AcroForm %d 0 R >>", pagesID, acroID)
	} else {
		objects[catalogID-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesID)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xrefOffset := buf.Len()
	if opts.XrefStream {
		writeXrefStream(&buf, offsets, xrefOffset, catalogID, infoID)
	} else {
		fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
		buf.WriteString("0000000000 65535 f\r\n")
		for _, off := range offsets {
			fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
		}
		fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R /Info %d 0 R "+
			"/ID [<0102030405060708090A0B0C0D0E0F10> <0102030405060708090A0B0C0D0E0F10>] >>\n",
			len(objects)+1, catalogID, infoID)
	}
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF", xrefOffset)
	if !opts.NoTrailingNewline {
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// writeXrefStream writes object number len(offsets)+1 as an unfiltered
// cross-reference stream covering every object including itself.
func writeXrefStream(buf *bytes.Buffer, offsets []int, xrefOffset, catalogID, infoID int) {
	var rows bytes.Buffer
	rows.Write([]byte{0, 0, 0, 0, 0, 0xFF, 0xFF})
	for _, off := range append(append([]int(nil), offsets...), xrefOffset) {
		rows.Write([]byte{1, byte(off >> 24), byte(off >> 16), byte(off >> 8), byte(off), 0, 0})
	}
	size := len(offsets) + 2
	fmt.Fprintf(buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] /Root %d 0 R /Info %d 0 R /Length %d >>\nstream\n",
		size-1, size, catalogID, infoID, rows.Len())
	buf.Write(rows.Bytes())
	buf.WriteString("\nendstream\nendobj\n")
}
