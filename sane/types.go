package sane

import "fmt"

// Element widths of the native option representation, in bytes.
const (
	WordSize = 4
	CharSize = 1
)

// ValueType identifies how an option's raw buffer is interpreted.
type ValueType int32

const (
	TypeBool ValueType = iota
	TypeInt
	TypeFixed
	TypeString
	TypeButton
	TypeGroup
)

func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "BOOL"
	case TypeInt:
		return "INT"
	case TypeFixed:
		return "FIXED"
	case TypeString:
		return "STRING"
	case TypeButton:
		return "BUTTON"
	case TypeGroup:
		return "GROUP"
	default:
		return fmt.Sprintf("TYPE(%d)", int32(t))
	}
}

// HasValue reports whether options of this type carry a value buffer.
func (t ValueType) HasValue() bool {
	return t == TypeBool || t == TypeInt || t == TypeFixed || t == TypeString
}

// Unit is the physical unit of an option value.
type Unit int32

const (
	UnitNone Unit = iota
	UnitPixel
	UnitBit
	UnitMM
	UnitDPI
	UnitPercent
	UnitMicrosecond
)

func (u Unit) String() string {
	switch u {
	case UnitNone:
		return "NONE"
	case UnitPixel:
		return "PIXEL"
	case UnitBit:
		return "BIT"
	case UnitMM:
		return "MM"
	case UnitDPI:
		return "DPI"
	case UnitPercent:
		return "PERCENT"
	case UnitMicrosecond:
		return "MICROSECOND"
	default:
		return fmt.Sprintf("UNIT(%d)", int32(u))
	}
}

// Symbol returns a short suffix suitable for display ("mm", "dpi", "%").
func (u Unit) Symbol() string {
	switch u {
	case UnitPixel:
		return "px"
	case UnitBit:
		return "bit"
	case UnitMM:
		return "mm"
	case UnitDPI:
		return "dpi"
	case UnitPercent:
		return "%"
	case UnitMicrosecond:
		return "us"
	default:
		return ""
	}
}

// ConstraintType selects the shape of an option's constraint payload.
type ConstraintType int32

const (
	ConstraintNone ConstraintType = iota
	ConstraintRange
	ConstraintWordList
	ConstraintStringList
)

func (c ConstraintType) String() string {
	switch c {
	case ConstraintNone:
		return "NONE"
	case ConstraintRange:
		return "RANGE"
	case ConstraintWordList:
		return "WORD_LIST"
	case ConstraintStringList:
		return "STRING_LIST"
	default:
		return fmt.Sprintf("CONSTRAINT(%d)", int32(c))
	}
}

// Frame is the pixel layout of the data returned by a read.
type Frame int32

const (
	FrameGray Frame = iota
	FrameRGB
	FrameRed
	FrameGreen
	FrameBlue
)

func (f Frame) String() string {
	switch f {
	case FrameGray:
		return "GRAY"
	case FrameRGB:
		return "RGB"
	case FrameRed:
		return "RED"
	case FrameGreen:
		return "GREEN"
	case FrameBlue:
		return "BLUE"
	default:
		return fmt.Sprintf("FRAME(%d)", int32(f))
	}
}

// Separated reports whether the frame carries a single colour plane.
func (f Frame) Separated() bool {
	return f == FrameRed || f == FrameGreen || f == FrameBlue
}

// Action is the verb of a control-option call.
type Action int32

const (
	ActionGetValue Action = iota
	ActionSetValue
	ActionSetAuto
)

func (a Action) String() string {
	switch a {
	case ActionGetValue:
		return "GET_VALUE"
	case ActionSetValue:
		return "SET_VALUE"
	case ActionSetAuto:
		return "SET_AUTO"
	default:
		return fmt.Sprintf("ACTION(%d)", int32(a))
	}
}

// Version is the backend library version triple.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Build int `json:"build"`
}

// Code packs the version into the single word used on the wire.
func (v Version) Code() int32 {
	return int32((v.Major&0xff)<<24 | (v.Minor&0xff)<<16 | (v.Build & 0xffff))
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// VersionFromCode unpacks a version word.
func VersionFromCode(code int32) Version {
	c := uint32(code)
	return Version{
		Major: int(c >> 24 & 0xff),
		Minor: int(c >> 16 & 0xff),
		Build: int(c & 0xffff),
	}
}

// Device describes one device found during discovery.
type Device struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	Type   string `json:"type"`
}

// Parameters describes the frame that is about to be, or is being, read.
// Lines is -1 when the length of the frame is not known in advance.
type Parameters struct {
	Format        Frame `json:"format"`
	LastFrame     bool  `json:"last_frame"`
	BytesPerLine  int   `json:"bytes_per_line"`
	PixelsPerLine int   `json:"pixels_per_line"`
	Lines         int   `json:"lines"`
	Depth         int   `json:"depth"`
}

// Channels returns the number of samples per pixel in the frame.
func (p Parameters) Channels() int {
	if p.Format == FrameRGB {
		return 3
	}
	return 1
}
