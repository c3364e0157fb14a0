package generic

import (
	"github.com/digitorus/pdf"
)

// RefOf returns the indirect reference of an object read from a document.
func RefOf(v pdf.Value) Reference {
	ptr := v.GetPtr()
	return Reference{ObjectNumber: int(ptr.GetID()), GenerationNumber: int(ptr.GetGen())}
}

// FromValue converts a parsed object into a writable one. Children that live
// in other indirect objects become references; direct children are copied.
// Streams cannot be copied and are only ever emitted as references.
func FromValue(v pdf.Value) PdfObject {
	return fromValue(v, RefOf(v), true)
}

// DictFromValue converts a parsed dictionary. It returns an empty dictionary
// for anything that is not a dictionary.
func DictFromValue(v pdf.Value) *DictionaryObject {
	if d, ok := FromValue(v).(*DictionaryObject); ok {
		return d
	}
	return NewDictionary()
}

func fromValue(v pdf.Value, owner Reference, top bool) PdfObject {
	if !top {
		if ref := RefOf(v); !ref.IsZero() && ref != owner {
			return ref
		}
	}

	switch v.Kind() {
	case pdf.Bool:
		return BooleanObject(v.Bool())
	case pdf.Integer:
		return IntegerObject(v.Int64())
	case pdf.Real:
		return RealObject(v.Float64())
	case pdf.String:
		return NewHexString([]byte(v.RawString()))
	case pdf.Name:
		return NameObject(v.Name())
	case pdf.Array:
		arr := make(ArrayObject, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			arr = append(arr, fromValue(v.Index(i), owner, false))
		}
		return arr
	case pdf.Dict:
		dict := NewDictionary()
		for _, key := range v.Keys() {
			dict.Set(key, fromValue(v.Key(key), owner, false))
		}
		return dict
	default:
		return NullObject{}
	}
}
