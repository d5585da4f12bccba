package testdev

import (
	"strings"

	"scanlink/sane"
)

// Option indices of an emulated device.
const (
	optCount = iota
	optPreview
	optModeGroup
	optMode
	optDepth
	optResolution
	optThreePass
	optGeometryGroup
	optTLX
	optTLY
	optBRX
	optBRY
	optEnhancementGroup
	optThreshold
	optGamma
	optImprinter
	optCalibrate
	numOptions
)

// Scan modes.
const (
	ModeLineart = "Lineart"
	ModeGray    = "Gray"
	ModeColor   = "Color"
)

const (
	gammaSize     = 256
	imprinterSize = 11
	modeSize      = 16

	maxWidthMM  = 215.9
	maxHeightMM = 297.0
)

const rw = sane.CapSoftSelect | sane.CapSoftDetect

type option struct {
	raw   sane.RawOption
	value []byte
}

func fixed(v float64) int32 {
	w, _ := sane.Fix(v)
	return w
}

func wordOption(raw sane.RawOption, values ...int32) *option {
	o := &option{raw: raw, value: make([]byte, raw.Size)}
	for i, v := range values {
		sane.PutWord(o.value, i, v)
	}
	return o
}

func stringOption(raw sane.RawOption, s string) *option {
	o := &option{raw: raw, value: make([]byte, raw.Size)}
	copy(o.value[:raw.Size-1], s)
	return o
}

func groupOption(title string) *option {
	return &option{raw: sane.RawOption{Title: title, Type: sane.TypeGroup}}
}

// newOptions builds the option table of a freshly opened device.
func newOptions() []*option {
	gamma := make([]int32, gammaSize)
	for i := range gamma {
		gamma[i] = int32(i)
	}

	opts := make([]*option, numOptions)
	opts[optCount] = wordOption(sane.RawOption{
		Title: "Number of options",
		Desc:  "Read-only option that specifies how many options a specific device supports.",
		Type:  sane.TypeInt, Size: sane.WordSize, Cap: sane.CapSoftDetect,
	}, numOptions)
	opts[optPreview] = wordOption(sane.RawOption{
		Name: "preview", Title: "Preview",
		Desc: "Request a preview-quality scan.",
		Type: sane.TypeBool, Size: sane.WordSize, Cap: rw,
	}, 0)
	opts[optModeGroup] = groupOption("Scan Mode")
	opts[optMode] = stringOption(sane.RawOption{
		Name: "mode", Title: "Scan mode",
		Desc: "Selects the scan mode (e.g., lineart, monochrome, or color).",
		Type: sane.TypeString, Size: modeSize, Cap: rw,
		ConstraintType: sane.ConstraintStringList,
		StringList:     []string{ModeLineart, ModeGray, ModeColor, ""},
	}, ModeGray)
	opts[optDepth] = wordOption(sane.RawOption{
		Name: "depth", Title: "Bit depth",
		Desc: "Number of bits per sample, typical values are 1 for \"line-art\" and 8 for multibit scans.",
		Type: sane.TypeInt, Unit: sane.UnitBit, Size: sane.WordSize, Cap: rw,
		ConstraintType: sane.ConstraintWordList,
		WordList:       []int32{3, 1, 8, 16},
	}, 8)
	opts[optResolution] = wordOption(sane.RawOption{
		Name: "resolution", Title: "Scan resolution",
		Desc: "Sets the resolution of the scanned image.",
		Type: sane.TypeFixed, Unit: sane.UnitDPI, Size: sane.WordSize, Cap: rw,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: fixed(1), Max: fixed(1200), Quant: fixed(1)},
	}, fixed(75))
	opts[optThreePass] = wordOption(sane.RawOption{
		Name: "three-pass", Title: "Three-pass simulation",
		Desc: "Deliver colour images as three separated red, green and blue frames.",
		Type: sane.TypeBool, Size: sane.WordSize, Cap: rw | sane.CapInactive,
	}, 0)
	opts[optGeometryGroup] = groupOption("Geometry")
	opts[optTLX] = wordOption(sane.RawOption{
		Name: "tl-x", Title: "Top-left x",
		Desc: "Top-left x position of scan area.",
		Type: sane.TypeFixed, Unit: sane.UnitMM, Size: sane.WordSize, Cap: rw,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: 0, Max: fixed(maxWidthMM)},
	}, 0)
	opts[optTLY] = wordOption(sane.RawOption{
		Name: "tl-y", Title: "Top-left y",
		Desc: "Top-left y position of scan area.",
		Type: sane.TypeFixed, Unit: sane.UnitMM, Size: sane.WordSize, Cap: rw,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: 0, Max: fixed(maxHeightMM)},
	}, 0)
	opts[optBRX] = wordOption(sane.RawOption{
		Name: "br-x", Title: "Bottom-right x",
		Desc: "Bottom-right x position of scan area.",
		Type: sane.TypeFixed, Unit: sane.UnitMM, Size: sane.WordSize, Cap: rw,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: 0, Max: fixed(maxWidthMM)},
	}, fixed(maxWidthMM))
	opts[optBRY] = wordOption(sane.RawOption{
		Name: "br-y", Title: "Bottom-right y",
		Desc: "Bottom-right y position of scan area.",
		Type: sane.TypeFixed, Unit: sane.UnitMM, Size: sane.WordSize, Cap: rw,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: 0, Max: fixed(maxHeightMM)},
	}, fixed(maxHeightMM))
	opts[optEnhancementGroup] = groupOption("Enhancement")
	opts[optThreshold] = wordOption(sane.RawOption{
		Name: "threshold", Title: "Threshold",
		Desc: "Select minimum-brightness to get a white point.",
		Type: sane.TypeFixed, Unit: sane.UnitPercent, Size: sane.WordSize,
		Cap:            rw | sane.CapAutomatic | sane.CapInactive,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: 0, Max: fixed(100), Quant: fixed(1)},
	}, fixed(50))
	opts[optGamma] = wordOption(sane.RawOption{
		Name: "gamma-table", Title: "Gamma table",
		Desc: "Gamma-correction table applied to every sample.",
		Type: sane.TypeInt, Size: gammaSize * sane.WordSize, Cap: rw | sane.CapAdvanced,
		ConstraintType: sane.ConstraintRange,
		Range:          &sane.RawRange{Min: 0, Max: 255, Quant: 1},
	}, gamma...)
	opts[optImprinter] = stringOption(sane.RawOption{
		Name: "imprinter", Title: "Imprinter text",
		Desc: "Text printed on the back of every page.",
		Type: sane.TypeString, Size: imprinterSize, Cap: rw,
	}, "")
	opts[optCalibrate] = &option{raw: sane.RawOption{
		Name: "calibrate", Title: "Calibrate",
		Desc: "Run the shading calibration cycle.",
		Type: sane.TypeButton, Cap: sane.CapSoftSelect,
	}}
	return opts
}

func (o *option) word(i int) int32 { return sane.Word(o.value, i) }

func (o *option) text() string {
	s := string(o.value)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}

func (o *option) setActive(active bool) {
	if active {
		o.raw.Cap &^= sane.CapInactive
	} else {
		o.raw.Cap |= sane.CapInactive
	}
}

func (o *option) active() bool {
	return o.raw.Cap&sane.CapInactive == 0
}

// constrain checks buf against the option's constraint, adjusting it in place
// where the constraint allows. It reports whether buf was changed.
func (o *option) constrain(buf []byte) (inexact bool, err error) {
	switch o.raw.Type {
	case sane.TypeBool:
		if w := sane.Word(buf, 0); w != 0 && w != 1 {
			return false, sane.StatusInval
		}
		return false, nil

	case sane.TypeInt, sane.TypeFixed:
		n := int(o.raw.Size) / sane.WordSize
		for i := 0; i < n; i++ {
			v := sane.Word(buf, i)
			c := v
			switch o.raw.ConstraintType {
			case sane.ConstraintRange:
				c = clampRange(v, o.raw.Range)
			case sane.ConstraintWordList:
				c = nearestWord(v, o.raw.WordList)
			}
			if c != v {
				sane.PutWord(buf, i, c)
				inexact = true
			}
		}
		return inexact, nil

	case sane.TypeString:
		if o.raw.ConstraintType != sane.ConstraintStringList {
			return false, nil
		}
		in := string(buf)
		if i := strings.IndexByte(in, 0); i >= 0 {
			in = in[:i]
		}
		for _, s := range o.raw.StringList {
			if s == "" {
				break
			}
			if s == in {
				return false, nil
			}
			if strings.EqualFold(s, in) {
				clear(buf)
				copy(buf, s)
				return true, nil
			}
		}
		return false, sane.StatusInval
	}
	return false, nil
}

func clampRange(v int32, r *sane.RawRange) int32 {
	if r == nil {
		return v
	}
	if v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	if r.Quant > 0 {
		steps := (int64(v-r.Min) + int64(r.Quant)/2) / int64(r.Quant)
		v = r.Min + int32(steps*int64(r.Quant))
		if v > r.Max {
			v -= r.Quant
		}
	}
	return v
}

func nearestWord(v int32, list []int32) int32 {
	if len(list) < 2 {
		return v
	}
	count := min(int(list[0]), len(list)-1)
	best := list[1]
	for _, w := range list[1 : count+1] {
		if abs64(int64(w)-int64(v)) < abs64(int64(best)-int64(v)) {
			best = w
		}
	}
	return best
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
