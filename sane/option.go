package sane

// MaxValueSize bounds the raw buffer of a single option. Descriptors that
// declare more are rejected rather than allocated.
const MaxValueSize = 1 << 20

// RawRange is the range constraint as a backend reports it.
type RawRange struct {
	Min   int32
	Max   int32
	Quant int32
}

// RawOption is an option descriptor exactly as a backend reports it: sizes in
// bytes, bitmaps as words and constraint payloads in their native shapes.
//
// WordList is count prefixed (WordList[0] is the number of values that
// follow). StringList ends at the first empty entry or at the end of the slice.
type RawOption struct {
	Name           string
	Title          string
	Desc           string
	Type           ValueType
	Unit           Unit
	Size           int32
	Cap            int32
	ConstraintType ConstraintType
	Range          *RawRange
	WordList       []int32
	StringList     []string
}

// OptionDescriptor is the decoded, caller facing form of a RawOption.
type OptionDescriptor struct {
	Index          int            `json:"index"`
	Name           string         `json:"name"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Type           ValueType      `json:"type"`
	Unit           Unit           `json:"unit"`
	Size           int            `json:"size"`
	ElementCount   int            `json:"element_count"`
	Capabilities   Capabilities   `json:"capabilities"`
	ConstraintType ConstraintType `json:"constraint_type"`
	Constraint     Constraint     `json:"constraint"`
}

// ElementCount returns the number of scalar elements packed in a raw buffer
// of size bytes for the given type. Strings reserve one slot for the
// terminator. Button and Group options carry no elements.
func ElementCount(t ValueType, size int) int {
	if size <= 0 {
		return 0
	}
	switch t {
	case TypeBool, TypeInt, TypeFixed:
		return size / WordSize
	case TypeString:
		return size/CharSize - 1
	default:
		return 0
	}
}

// DecodeDescriptor converts a raw descriptor into its decoded form.
func DecodeDescriptor(index int, raw *RawOption) *OptionDescriptor {
	if raw == nil {
		return nil
	}
	size := int(raw.Size)
	if !raw.Type.HasValue() {
		size = 0
	}
	return &OptionDescriptor{
		Index:          index,
		Name:           raw.Name,
		Title:          raw.Title,
		Description:    raw.Desc,
		Type:           raw.Type,
		Unit:           raw.Unit,
		Size:           size,
		ElementCount:   ElementCount(raw.Type, size),
		Capabilities:   DecodeCapabilities(raw.Cap),
		ConstraintType: raw.ConstraintType,
		Constraint:     DecodeConstraint(raw),
	}
}

// IsVector reports whether the option holds more than one numeric element.
func (d *OptionDescriptor) IsVector() bool {
	return (d.Type == TypeInt || d.Type == TypeFixed) && d.ElementCount > 1
}

// Readable reports whether the option value can be fetched right now.
func (d *OptionDescriptor) Readable() bool {
	return d.Type.HasValue() && d.Capabilities.SoftDetect && !d.Capabilities.Inactive
}
