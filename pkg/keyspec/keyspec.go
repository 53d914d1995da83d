// Package keyspec implements C5: deriving a total order from a
// structured key via an ordered list of (field, ascending) entries,
// with an optional CEL expression as an advisory fallback (spec §4.5).
package keyspec

import (
	"bytes"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/types"
)

// FieldValue is one field of a composite key: a name and its
// comparable encoded bytes (the caller is responsible for a stable,
// order-preserving encoding per field type — e.g. big-endian for
// fixed-width integers, raw bytes for strings).
type FieldValue struct {
	FieldName string
	Encoded   []byte
}

// CompositeKey is a structured key as an ordered set of field values.
type CompositeKey []FieldValue

// Comparator orders two keys of the same store according to a
// key_kind. Primitive keys compare their raw bytes; composite keys
// compare field-by-field per the IndexSpec.
type Comparator interface {
	Compare(a, b []byte) (int, error)
}

// primitiveComparator implements byte-lexicographic order, used when
// key_kind = primitive.
type primitiveComparator struct{}

func (primitiveComparator) Compare(a, b []byte) (int, error) {
	return bytes.Compare(a, b), nil
}

// NewComparator builds the Comparator for a store. When info.KeyKind
// is composite, IndexSpec wins over CELExpression if both are set
// (spec §4.5: "if both present, the index list wins and the
// expression is advisory").
func NewComparator(info *types.StoreInfo) (Comparator, error) {
	switch info.KeyKind {
	case types.KeyKindPrimitive:
		return primitiveComparator{}, nil
	case types.KeyKindComposite:
		if len(info.IndexSpec) > 0 {
			return &indexComparator{fields: info.IndexSpec}, nil
		}
		if info.CELExpression != "" {
			return NewCELComparator(info.CELExpression)
		}
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "keyspec.NewComparator",
			sopErrors.WithLogicalIDs(info.StoreName))
	default:
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "keyspec.NewComparator",
			sopErrors.WithLogicalIDs(info.StoreName))
	}
}

// indexComparator is the lexicographic composition of per-field
// orderings from an IndexSpec; a descending field inverts its
// contribution (spec §4.5).
type indexComparator struct {
	fields []types.IndexField
}

// EncodeKey serializes a CompositeKey into the length-prefixed,
// field-ordered byte form Compare expects: fields not named in the
// IndexSpec are dropped, and fields are emitted in IndexSpec order so
// two encodings from the same store are directly comparable.
func (c *indexComparator) EncodeKey(key CompositeKey) []byte {
	return EncodeCompositeKey(c.fields, key)
}

// EncodeCompositeKey is the exported form of the same field-ordered,
// length-prefixed encoding, for callers (e.g. pkg/vectorstore's
// posting-list keys) that need to build composite keys for a store
// without going through NewComparator's Comparator interface, which
// hides EncodeKey behind the unexported indexComparator type.
func EncodeCompositeKey(spec []types.IndexField, key CompositeKey) []byte {
	values := make(map[string][]byte, len(key))
	for _, fv := range key {
		values[fv.FieldName] = fv.Encoded
	}
	var buf bytes.Buffer
	for _, field := range spec {
		v := values[field.FieldName]
		var lenBuf [4]byte
		putUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return buf.Bytes()
}

func (c *indexComparator) Compare(a, b []byte) (int, error) {
	ar, br := bytes.NewReader(a), bytes.NewReader(b)
	for _, field := range c.fields {
		av, err := readLengthPrefixed(ar)
		if err != nil {
			return 0, sopErrors.Wrap(sopErrors.ErrInternal, "keyspec.Compare", sopErrors.WithCause(err))
		}
		bv, err := readLengthPrefixed(br)
		if err != nil {
			return 0, sopErrors.Wrap(sopErrors.ErrInternal, "keyspec.Compare", sopErrors.WithCause(err))
		}
		cmp := bytes.Compare(av, bv)
		if cmp == 0 {
			continue
		}
		if !field.Ascending {
			cmp = -cmp
		}
		return cmp, nil
	}
	return 0, nil
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ValidateImmutability enforces spec §4.5: once a store is non-empty,
// key_kind, value_placement, slot_length, is_unique, and the index
// spec may not change. CELExpression may change only while the index
// spec is absent or the store is empty.
func ValidateImmutability(current, proposed *types.StoreInfo) error {
	if current.ItemCount == 0 {
		return nil
	}
	if current.KeyKind != proposed.KeyKind ||
		current.ValuePlacement != proposed.ValuePlacement ||
		current.SlotLength != proposed.SlotLength ||
		current.IsUnique != proposed.IsUnique ||
		!indexSpecEqual(current.IndexSpec, proposed.IndexSpec) {
		return sopErrors.Wrap(sopErrors.ErrPreconditionFailed, "keyspec.ValidateImmutability",
			sopErrors.WithLogicalIDs(current.StoreName))
	}
	if current.CELExpression != proposed.CELExpression && len(current.IndexSpec) > 0 {
		return sopErrors.Wrap(sopErrors.ErrPreconditionFailed, "keyspec.ValidateImmutability",
			sopErrors.WithLogicalIDs(current.StoreName))
	}
	return nil
}

func indexSpecEqual(a, b []types.IndexField) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

