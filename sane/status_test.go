package sane

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestStatusStrings(t *testing.T) {
	tests := []struct {
		s       Status
		name    string
		message string
	}{
		{StatusGood, "GOOD", "Success"},
		{StatusInval, "INVAL", "Invalid argument"},
		{StatusEOF, "EOF", "End of file reached"},
		{StatusAccessDenied, "ACCESS_DENIED", "Access to resource has been denied"},
		{Status(42), "STATUS(42)", "Unknown SANE status code 42"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.name {
			t.Errorf("Status(%d).String() = %q, want %q", int32(tt.s), got, tt.name)
		}
		if got := tt.s.Message(); got != tt.message {
			t.Errorf("Status(%d).Message() = %q, want %q", int32(tt.s), got, tt.message)
		}
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusGood},
		{StatusDeviceBusy, StatusDeviceBusy},
		{fmt.Errorf("saned: start: %w", StatusJammed), StatusJammed},
		{io.ErrUnexpectedEOF, StatusIOError},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if StatusGood.Err() != nil {
		t.Error("StatusGood.Err() should be nil")
	}
	if !errors.Is(StatusCoverOpen.Err(), StatusCoverOpen) {
		t.Error("StatusCoverOpen.Err() should match itself")
	}
}

func TestVersionCode(t *testing.T) {
	v := Version{Major: 1, Minor: 0, Build: 3}
	if got := v.Code(); got != 0x01000003 {
		t.Errorf("Code() = %#x, want 0x01000003", got)
	}
	if got := VersionFromCode(v.Code()); got != v {
		t.Errorf("VersionFromCode() = %v, want %v", got, v)
	}
	if got := VersionFromCode(int32(-16777216 + 0x020001)); got.Major != 255 || got.Minor != 2 || got.Build != 1 {
		t.Errorf("VersionFromCode(high bit) = %v", got)
	}
}
