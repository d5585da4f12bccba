package device

import (
	"context"
	"testing"

	"scanlink/sane"
)

func TestLoadOptions(t *testing.T) {
	ctx := context.Background()

	s, _ := newTestSession(t, Options{})
	s.Initialize(ctx)
	_, err := LoadOptions(ctx, s)
	wantStatus(t, err, sane.StatusInval)

	s, _ = openTestSession(t, Options{})
	set, err := LoadOptions(ctx, s)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	count, _ := s.OptionValue(ctx, 0)
	if set.Len() != int(count.Int())-1 {
		t.Errorf("Len() = %d, want %d", set.Len(), count.Int()-1)
	}
	for i, opt := range set.All() {
		if opt.Index != i+1 {
			t.Errorf("option %d has index %d", i, opt.Index)
		}
	}

	tests := []struct {
		name string
		kind sane.Kind
	}{
		{OptPreview, sane.KindBool},
		{OptMode, sane.KindString},
		{OptDepth, sane.KindInt},
		{OptResolution, sane.KindFixed},
		{OptBRX, sane.KindFixed},
		{"gamma-table", sane.KindIntVector},
		{"threshold", sane.KindNone}, // inactive
		{"calibrate", sane.KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := set.Get(tt.name)
			if !ok {
				t.Fatalf("option %q missing", tt.name)
			}
			if v.Kind() != tt.kind {
				t.Errorf("kind = %s, want %s", v.Kind(), tt.kind)
			}
		})
	}
	if _, ok := set.Lookup("no-such-option"); ok {
		t.Error("Lookup found a missing option")
	}
}

func TestOptionSet_Set(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{})
	set, err := LoadOptions(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	// mode change reloads every option
	info, err := set.Set(ctx, s, OptMode, "Color")
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if !info.ReloadOptions {
		t.Errorf("info = %+v", info)
	}
	tp, _ := set.Lookup("three-pass")
	if tp.Capabilities.Inactive {
		t.Error("three-pass still inactive after switching to Color")
	}
	if v, _ := set.Get(OptMode); v.Text() != "Color" {
		t.Errorf("mode = %q", v.Text())
	}

	// quantized numeric writes come back as stored by the device
	info, err = set.Set(ctx, s, OptResolution, 150.4)
	if err != nil {
		t.Fatalf("set resolution: %v", err)
	}
	if !info.Inexact {
		t.Errorf("info = %+v, want inexact", info)
	}
	if v, _ := set.Get(OptResolution); v.Float() != 150 {
		t.Errorf("resolution = %v, want 150", v)
	}

	if _, err := set.Set(ctx, s, OptPreview, true); err != nil {
		t.Fatal(err)
	}
	if v, _ := set.Get(OptPreview); !v.Bool() {
		t.Error("preview not updated")
	}

	// nil asks for the automatic value
	if _, err := set.Set(ctx, s, OptMode, "Lineart"); err != nil {
		t.Fatal(err)
	}
	if _, err := set.Set(ctx, s, "threshold", 90.0); err != nil {
		t.Fatal(err)
	}
	if _, err := set.Set(ctx, s, "threshold", nil); err != nil {
		t.Fatalf("auto threshold: %v", err)
	}
	if v, _ := set.Get("threshold"); v.Float() != 50 {
		t.Errorf("threshold = %v, want 50", v)
	}

	_, err = set.Set(ctx, s, "no-such-option", 1)
	wantStatus(t, err, sane.StatusInval)
	_, err = set.Set(ctx, s, OptPreview, "yes")
	wantStatus(t, err, sane.StatusInval)
}
