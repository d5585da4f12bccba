package sane

// Capability bits of an option descriptor.
const (
	CapSoftSelect = 1 << 0
	CapHardSelect = 1 << 1
	CapSoftDetect = 1 << 2
	CapEmulated   = 1 << 3
	CapAutomatic  = 1 << 4
	CapInactive   = 1 << 5
	CapAdvanced   = 1 << 6
)

// Info bits returned by a control-option call.
const (
	InfoInexact       = 1 << 0
	InfoReloadOptions = 1 << 1
	InfoReloadParams  = 1 << 2
)

// Capabilities is the decoded capability bitmap of an option.
type Capabilities struct {
	SoftSelect bool `json:"soft_select"`
	HardSelect bool `json:"hard_select"`
	SoftDetect bool `json:"soft_detect"`
	Emulated   bool `json:"emulated"`
	Automatic  bool `json:"automatic"`
	Inactive   bool `json:"inactive"`
	Advanced   bool `json:"advanced"`
}

// DecodeCapabilities splits a capability word into named flags.
func DecodeCapabilities(bits int32) Capabilities {
	return Capabilities{
		SoftSelect: bits&CapSoftSelect != 0,
		HardSelect: bits&CapHardSelect != 0,
		SoftDetect: bits&CapSoftDetect != 0,
		Emulated:   bits&CapEmulated != 0,
		Automatic:  bits&CapAutomatic != 0,
		Inactive:   bits&CapInactive != 0,
		Advanced:   bits&CapAdvanced != 0,
	}
}

// Bits packs the flags back into a capability word.
func (c Capabilities) Bits() int32 {
	var b int32
	if c.SoftSelect {
		b |= CapSoftSelect
	}
	if c.HardSelect {
		b |= CapHardSelect
	}
	if c.SoftDetect {
		b |= CapSoftDetect
	}
	if c.Emulated {
		b |= CapEmulated
	}
	if c.Automatic {
		b |= CapAutomatic
	}
	if c.Inactive {
		b |= CapInactive
	}
	if c.Advanced {
		b |= CapAdvanced
	}
	return b
}

// Active reports whether the option currently takes part in scanning.
func (c Capabilities) Active() bool {
	return !c.Inactive
}

// Settable reports whether software may change the option.
func (c Capabilities) Settable() bool {
	return c.SoftSelect
}

// Info is the decoded reload-info bitmap returned after setting an option.
type Info struct {
	Inexact       bool `json:"inexact"`
	ReloadOptions bool `json:"reload_options"`
	ReloadParams  bool `json:"reload_params"`
}

// DecodeInfo splits an info word into named flags.
func DecodeInfo(bits int32) Info {
	return Info{
		Inexact:       bits&InfoInexact != 0,
		ReloadOptions: bits&InfoReloadOptions != 0,
		ReloadParams:  bits&InfoReloadParams != 0,
	}
}

// Bits packs the flags back into an info word.
func (i Info) Bits() int32 {
	var b int32
	if i.Inexact {
		b |= InfoInexact
	}
	if i.ReloadOptions {
		b |= InfoReloadOptions
	}
	if i.ReloadParams {
		b |= InfoReloadParams
	}
	return b
}
