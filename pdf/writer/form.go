package writer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/digitorus/pdf"

	"github.com/georgepadayatti/firmador/pdf/generic"
)

// Annotation flags for signature widgets: Print | Locked.
const signatureWidgetFlags = 132

// SigFlags value for documents holding signatures: SignaturesExist | AppendOnly.
const sigFlagsSignaturesAppendOnly = 3

// SignatureField describes a signature form field and its widget.
type SignatureField struct {
	// Name is the partial field name. It is made unique if already taken.
	Name string
	// Page is the 1-based page the widget is placed on.
	Page int
	// Rect is the widget rectangle in default user space.
	Rect generic.Rectangle
	// Signature references the signature dictionary (/V).
	Signature generic.Reference
	// Appearance references the normal appearance XObject. Zero for
	// invisible signatures.
	Appearance generic.Reference
}

// FieldNames returns the partial names of the top-level form fields.
func (w *IncrementalWriter) FieldNames() []string {
	fields := w.Catalog().Key("AcroForm").Key("Fields")
	var names []string
	for i := 0; i < fields.Len(); i++ {
		if name := fields.Index(i).Key("T"); name.Kind() == pdf.String {
			names = append(names, name.Text())
		}
	}
	return names
}

// UniqueFieldName returns base when no existing field uses it. Otherwise the
// trailing number of base is incremented until the name is free, so
// Signature1 becomes Signature2.
func (w *IncrementalWriter) UniqueFieldName(base string) string {
	taken := make(map[string]bool)
	for _, name := range w.FieldNames() {
		taken[name] = true
	}
	if !taken[base] {
		return base
	}
	prefix := strings.TrimRightFunc(base, unicode.IsDigit)
	n := 1
	if suffix := base[len(prefix):]; suffix != "" {
		n, _ = strconv.Atoi(suffix)
	}
	for {
		n++
		if candidate := prefix + strconv.Itoa(n); !taken[candidate] {
			return candidate
		}
	}
}

// AddSignatureField writes a merged signature field and widget, adds it to
// the page's /Annots and to the form's /Fields, and sets /SigFlags 3.
func (w *IncrementalWriter) AddSignatureField(field SignatureField) (generic.Reference, error) {
	page, err := w.Page(field.Page)
	if err != nil {
		return generic.Reference{}, err
	}
	pageRef := generic.RefOf(page)

	widget := generic.NewDictionary()
	widget.Set("Type", generic.NameObject("Annot"))
	widget.Set("Subtype", generic.NameObject("Widget"))
	widget.Set("FT", generic.NameObject("Sig"))
	widget.Set("T", generic.NewTextString(w.UniqueFieldName(field.Name)))
	widget.Set("V", field.Signature)
	widget.Set("F", generic.IntegerObject(signatureWidgetFlags))
	widget.Set("P", pageRef)
	widget.Set("Rect", field.Rect.ToArray())
	if !field.Appearance.IsZero() {
		ap := generic.NewDictionary()
		ap.Set("N", field.Appearance)
		widget.Set("AP", ap)
	}

	widgetRef, err := w.AddObject(widget)
	if err != nil {
		return generic.Reference{}, err
	}

	pageDict := generic.DictFromValue(page)
	if err := w.appendToArray(pageDict, page, "Annots", widgetRef); err != nil {
		return generic.Reference{}, err
	}
	if err := w.WriteObject(pageRef, pageDict); err != nil {
		return generic.Reference{}, err
	}

	if err := w.registerField(widgetRef); err != nil {
		return generic.Reference{}, err
	}
	return widgetRef, nil
}

// registerField adds the field to the interactive form, creating the form
// if the document has none.
func (w *IncrementalWriter) registerField(fieldRef generic.Reference) error {
	catalog := w.Catalog()
	catalogRef := generic.RefOf(catalog)
	acro := catalog.Key("AcroForm")

	if acro.Kind() != pdf.Dict {
		form := generic.NewDictionary()
		form.Set("Fields", generic.NewArray(fieldRef))
		form.Set("SigFlags", generic.IntegerObject(sigFlagsSignaturesAppendOnly))
		catalogDict := generic.DictFromValue(catalog)
		catalogDict.Set("AcroForm", form)
		return w.WriteObject(catalogRef, catalogDict)
	}

	form := generic.DictFromValue(acro)
	if err := w.appendToArray(form, acro, "Fields", fieldRef); err != nil {
		return err
	}
	flags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.IntegerObject(flags|sigFlagsSignaturesAppendOnly))

	acroRef := generic.RefOf(acro)
	if acroRef != catalogRef {
		return w.WriteObject(acroRef, form)
	}
	catalogDict := generic.DictFromValue(catalog)
	catalogDict.Set("AcroForm", form)
	return w.WriteObject(catalogRef, catalogDict)
}

// appendToArray appends item to the array under key. When that array is an
// indirect object it is rewritten in place, otherwise the container's
// direct copy is extended.
func (w *IncrementalWriter) appendToArray(container *generic.DictionaryObject, containerValue pdf.Value, key string, item generic.PdfObject) error {
	existing := containerValue.Key(key)
	if existing.Kind() != pdf.Array {
		container.Set(key, generic.NewArray(item))
		return nil
	}

	arrRef := generic.RefOf(existing)
	arr, ok := generic.FromValue(existing).(generic.ArrayObject)
	if !ok {
		return fmt.Errorf("%w: /%s is not an array", ErrInvalidPDF, key)
	}
	arr = append(arr, item)

	if arrRef != generic.RefOf(containerValue) && !arrRef.IsZero() {
		return w.WriteObject(arrRef, arr)
	}
	container.Set(key, arr)
	return nil
}
