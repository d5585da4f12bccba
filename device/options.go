package device

import (
	"context"
	"fmt"

	"scanlink/sane"
)

// Well-known option names.
const (
	OptPreview    = "preview"
	OptMode       = "mode"
	OptDepth      = "depth"
	OptResolution = "resolution"
	OptTLX        = "tl-x"
	OptTLY        = "tl-y"
	OptBRX        = "br-x"
	OptBRY        = "br-y"
)

// Option is a descriptor together with its last known value.
type Option struct {
	*sane.OptionDescriptor
	Value sane.Value `json:"value"`
}

// OptionSet is a name-indexed copy of the options of the open device.
type OptionSet struct {
	options []*Option
	byName  map[string]*Option
}

// LoadOptions enumerates every option of the open device and reads the value
// of each readable one.
func LoadOptions(ctx context.Context, s *Session) (*OptionSet, error) {
	set := &OptionSet{}
	if err := set.Reload(ctx, s); err != nil {
		return nil, err
	}
	return set, nil
}

// Reload re-enumerates all options.
func (o *OptionSet) Reload(ctx context.Context, s *Session) error {
	if s.State() < StateOpened {
		return sequenceError("load options", s.State())
	}
	count := 0
	if v, err := s.OptionValue(ctx, 0); err == nil && v.Kind() == sane.KindInt {
		count = int(v.Int())
	}

	var options []*Option
	byName := make(map[string]*Option)
	for i := 1; count <= 0 || i < count; i++ {
		desc, err := s.OptionDescriptor(ctx, i)
		if err != nil {
			return err
		}
		if desc == nil {
			break
		}
		opt := &Option{OptionDescriptor: desc}
		if err := o.readValue(ctx, s, opt); err != nil {
			return err
		}
		options = append(options, opt)
		if desc.Name != "" {
			byName[desc.Name] = opt
		}
	}
	o.options = options
	o.byName = byName
	debugLog("loaded %d option(s)", len(options))
	return nil
}

func (o *OptionSet) readValue(ctx context.Context, s *Session, opt *Option) error {
	if !opt.Readable() {
		opt.Value = sane.NoValue()
		return nil
	}
	v, err := s.OptionValue(ctx, opt.Index)
	if err != nil {
		return fmt.Errorf("read option %q: %w", opt.Name, err)
	}
	opt.Value = v
	return nil
}

// All returns the options in index order.
func (o *OptionSet) All() []*Option {
	return o.options
}

// Len returns the number of options.
func (o *OptionSet) Len() int {
	return len(o.options)
}

// Lookup finds an option by name.
func (o *OptionSet) Lookup(name string) (*Option, bool) {
	opt, ok := o.byName[name]
	return opt, ok
}

// Get returns the last known value of the named option.
func (o *OptionSet) Get(name string) (sane.Value, bool) {
	opt, ok := o.byName[name]
	if !ok {
		return sane.Value{}, false
	}
	return opt.Value, true
}

// Set writes the named option. A nil value asks the backend to choose the
// value automatically. Options or values are refreshed as the returned Info
// requires.
func (o *OptionSet) Set(ctx context.Context, s *Session, name string, value interface{}) (sane.Info, error) {
	opt, ok := o.byName[name]
	if !ok {
		return sane.Info{}, fmt.Errorf("unknown option %q: %w", name, sane.StatusInval)
	}

	var info sane.Info
	var err error
	if value == nil {
		info, err = s.SetOptionAuto(ctx, opt.Index)
	} else {
		info, err = s.SetOptionValue(ctx, opt.Index, value)
	}
	if err != nil {
		return sane.Info{}, err
	}

	switch {
	case info.ReloadOptions:
		err = o.Reload(ctx, s)
	case info.Inexact || value == nil || opt.Type == sane.TypeInt || opt.Type == sane.TypeFixed:
		err = o.readValue(ctx, s, opt)
	default:
		if opt.Type.HasValue() {
			opt.Value, err = valueOf(opt.OptionDescriptor, value)
		}
	}
	return info, err
}

// valueOf normalizes a written value the way the device stores it.
func valueOf(desc *sane.OptionDescriptor, value interface{}) (sane.Value, error) {
	raw, err := sane.EncodeValue(desc, value)
	if err != nil {
		return sane.Value{}, err
	}
	return sane.DecodeValue(desc, raw)
}
