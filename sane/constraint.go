package sane

// Range is a decoded range constraint. For fixed-point options the bounds are
// real values; for integer options they hold the raw integers unchanged.
type Range struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Quant float64 `json:"quant"`
}

// Constraint is the decoded constraint payload of an option. At most one of
// the fields is set, as selected by the descriptor's ConstraintType.
type Constraint struct {
	Range   *Range    `json:"range,omitempty"`
	Numbers []float64 `json:"numbers,omitempty"`
	Strings []string  `json:"strings,omitempty"`
}

// DecodeConstraint decodes the constraint payload of a raw descriptor.
// Unknown constraint kinds and missing payloads decode to an empty Constraint.
func DecodeConstraint(raw *RawOption) Constraint {
	var c Constraint
	if raw == nil {
		return c
	}
	word := func(w int32) float64 {
		if raw.Type == TypeFixed {
			return Unfix(w)
		}
		return float64(w)
	}

	switch raw.ConstraintType {
	case ConstraintRange:
		if raw.Range == nil {
			return c
		}
		c.Range = &Range{
			Min:   word(raw.Range.Min),
			Max:   word(raw.Range.Max),
			Quant: word(raw.Range.Quant),
		}

	case ConstraintWordList:
		if len(raw.WordList) == 0 {
			return c
		}
		count := int(raw.WordList[0])
		if count < 0 {
			count = 0
		}
		if count > len(raw.WordList)-1 {
			count = len(raw.WordList) - 1
		}
		c.Numbers = make([]float64, count)
		for i := 0; i < count; i++ {
			c.Numbers[i] = word(raw.WordList[i+1])
		}

	case ConstraintStringList:
		for _, s := range raw.StringList {
			if s == "" {
				break
			}
			c.Strings = append(c.Strings, s)
		}
	}
	return c
}
