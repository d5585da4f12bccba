package saned

import (
	"scanlink/sane"
)

// DefaultPort is the saned control port.
const DefaultPort = 6566

// Remote procedure numbers.
const (
	procInit                 = 0
	procGetDevices           = 1
	procOpen                 = 2
	procClose                = 3
	procGetOptionDescriptors = 4
	procControlOption        = 5
	procGetParameters        = 6
	procStart                = 7
	procCancel               = 8
	procAuthorize            = 9
	procExit                 = 10
)

var procNames = map[int32]string{
	procInit:                 "INIT",
	procGetDevices:           "GET_DEVICES",
	procOpen:                 "OPEN",
	procClose:                "CLOSE",
	procGetOptionDescriptors: "GET_OPTION_DESCRIPTORS",
	procControlOption:        "CONTROL_OPTION",
	procGetParameters:        "GET_PARAMETERS",
	procStart:                "START",
	procCancel:               "CANCEL",
	procAuthorize:            "AUTHORIZE",
	procExit:                 "EXIT",
}

// protocolVersion is the version code announced in INIT (1.0, protocol 3).
var protocolVersion = sane.Version{Major: 1, Minor: 0, Build: 3}

// Byte order markers sent in the START reply.
const (
	byteOrderLittle = 0x1234
	byteOrderBig    = 0x4321
)

// endOfData marks the last record on the data channel; a status byte follows.
const endOfData = 0xffffffff

func decodeDevice(d *decoder) *sane.Device {
	if !d.pointer() {
		return nil
	}
	return &sane.Device{
		Name:   d.str(),
		Vendor: d.str(),
		Model:  d.str(),
		Type:   d.str(),
	}
}

func decodeOptionDescriptor(d *decoder) *sane.RawOption {
	if !d.pointer() {
		return nil
	}
	o := &sane.RawOption{
		Name:  d.str(),
		Title: d.str(),
		Desc:  d.str(),
	}
	o.Type = sane.ValueType(d.word())
	o.Unit = sane.Unit(d.word())
	o.Size = d.word()
	o.Cap = d.word()
	o.ConstraintType = sane.ConstraintType(d.word())

	switch o.ConstraintType {
	case sane.ConstraintRange:
		if d.pointer() {
			o.Range = &sane.RawRange{Min: d.word(), Max: d.word(), Quant: d.word()}
		}
	case sane.ConstraintWordList:
		o.WordList = d.words()
	case sane.ConstraintStringList:
		n := d.arrayLen()
		for i := 0; i < n && d.err == nil; i++ {
			s, ok := d.string()
			if !ok {
				// NULL terminator, keep reading the remaining slots
				continue
			}
			o.StringList = append(o.StringList, s)
		}
	}
	return o
}

func encodeOptionDescriptor(e *encoder, o *sane.RawOption) {
	if o == nil {
		e.word(1)
		return
	}
	e.word(0)
	e.string(o.Name)
	e.string(o.Title)
	e.string(o.Desc)
	e.word(int32(o.Type))
	e.word(int32(o.Unit))
	e.word(o.Size)
	e.word(o.Cap)
	e.word(int32(o.ConstraintType))
	switch o.ConstraintType {
	case sane.ConstraintRange:
		if o.Range == nil {
			e.word(1)
			return
		}
		e.word(0)
		e.word(o.Range.Min)
		e.word(o.Range.Max)
		e.word(o.Range.Quant)
	case sane.ConstraintWordList:
		e.words(o.WordList)
	case sane.ConstraintStringList:
		e.word(int32(len(o.StringList) + 1))
		for _, s := range o.StringList {
			e.string(s)
		}
		e.word(0)
	}
}

// encodeValue writes an option value array. Word typed values are converted
// from the native buffer layout to big-endian words.
func encodeValue(e *encoder, typ sane.ValueType, value []byte) {
	switch typ {
	case sane.TypeString:
		e.chars(value)
	case sane.TypeBool, sane.TypeInt, sane.TypeFixed:
		n := len(value) / sane.WordSize
		ws := make([]int32, n)
		for i := range ws {
			ws[i] = sane.Word(value, i)
		}
		e.words(ws)
	default:
		e.word(0)
	}
}

// decodeValue reads an option value array into the native buffer dst.
func decodeValue(d *decoder, typ sane.ValueType, dst []byte) {
	switch typ {
	case sane.TypeString:
		b := d.chars()
		n := copy(dst, b)
		clear(dst[n:])
	case sane.TypeBool, sane.TypeInt, sane.TypeFixed:
		ws := d.words()
		for i, w := range ws {
			if (i+1)*sane.WordSize > len(dst) {
				break
			}
			sane.PutWord(dst, i, w)
		}
	default:
		for n := d.arrayLen(); n > 0; n-- {
			d.word()
		}
	}
}
