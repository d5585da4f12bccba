package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"scanlink/device"
	"scanlink/sane"
	"scanlink/scanman"
)

// formatValue renders an option value with its unit.
func formatValue(o device.Option) string {
	if o.OptionDescriptor == nil || !o.Type.HasValue() {
		return ""
	}
	if o.Value.IsNone() {
		return "-"
	}
	s := o.Value.String()
	if sym := o.Unit.Symbol(); sym != "" {
		s += " " + sym
	}
	return s
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatConstraint summarizes an option's constraint on one line.
func formatConstraint(d *sane.OptionDescriptor) string {
	c := d.Constraint
	switch {
	case c.Range != nil:
		s := formatNumber(c.Range.Min) + ".." + formatNumber(c.Range.Max)
		if c.Range.Quant != 0 {
			s += " step " + formatNumber(c.Range.Quant)
		}
		return s
	case len(c.Numbers) > 0:
		parts := make([]string, len(c.Numbers))
		for i, n := range c.Numbers {
			parts[i] = formatNumber(n)
		}
		return strings.Join(parts, ", ")
	case len(c.Strings) > 0:
		return strings.Join(c.Strings, ", ")
	}
	return ""
}

// formatFlags returns the short capability column: s settable, a automatic,
// i inactive, + advanced.
func formatFlags(d *sane.OptionDescriptor) string {
	var b strings.Builder
	c := d.Capabilities
	if c.Settable() {
		b.WriteByte('s')
	}
	if c.Automatic {
		b.WriteByte('a')
	}
	if !c.Active() {
		b.WriteByte('i')
	}
	if c.Advanced {
		b.WriteByte('+')
	}
	return b.String()
}

// parseInput converts text typed into the edit dialog to a value accepted
// by the option codec.
func parseInput(d *sane.OptionDescriptor, text string) (interface{}, error) {
	text = strings.TrimSpace(text)
	switch d.Type {
	case sane.TypeBool:
		switch strings.ToLower(text) {
		case "1", "y", "yes", "true", "on":
			return true, nil
		case "0", "n", "no", "false", "off":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", text)

	case sane.TypeInt, sane.TypeFixed:
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '[' || r == ']'
		})
		if len(fields) == 0 {
			return nil, fmt.Errorf("a number is required")
		}
		nums := make([]interface{}, len(fields))
		for i, f := range fields {
			var err error
			if d.Type == sane.TypeInt {
				nums[i], err = strconv.ParseInt(f, 10, 32)
			} else {
				nums[i], err = strconv.ParseFloat(f, 64)
			}
			if err != nil {
				return nil, fmt.Errorf("%q is not a valid %s", f, strings.ToLower(d.Type.String()))
			}
		}
		if d.IsVector() {
			return nums, nil
		}
		if len(nums) != 1 {
			return nil, fmt.Errorf("option %s takes a single value", d.Name)
		}
		return nums[0], nil

	case sane.TypeString:
		return text, nil

	case sane.TypeButton:
		return true, nil
	}
	return nil, fmt.Errorf("option %s has no value", d.Name)
}

// formatDuration renders elapsed job time.
func formatDuration(info scanman.JobInfo) string {
	if info.Started.IsZero() {
		return ""
	}
	end := info.Finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(info.Started).Round(10 * time.Millisecond).String()
}

// formatBytes renders a byte count in binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// stateTag colors a job state.
func stateTag(state string) string {
	th := CurrentTheme
	switch state {
	case scanman.JobDone.String():
		return th.TagSuccess + state + th.TagReset
	case scanman.JobFailed.String():
		return th.TagError + state + th.TagReset
	case scanman.JobCancelled.String():
		return th.TagTextDim + state + th.TagReset
	default:
		return th.TagAccent + state + th.TagReset
	}
}
