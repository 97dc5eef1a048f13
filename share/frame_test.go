package share

import "testing"

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := NewDataHeader(0x41424344, 0x45464748, 1234)
	buf := EncodeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("encoded header has %d bytes, want %d", len(buf), HeaderSize)
	}

	got, err := DecodeHeader(buf[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestEncodeHeaderIsNetworkByteOrder(t *testing.T) {
	h := NewDataHeader(0x01020304, 0x05060708, 0x090A)
	buf := EncodeHeader(h)
	want := [HeaderSize]byte{
		Sync0, Sync1, Version, CtrlDATA,
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A,
	}
	if buf != want {
		t.Fatalf("wire encoding mismatch: got %v, want %v", buf, want)
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for short buffer, got nil")
	}
	if _, err := DecodeHeader(make([]byte, HeaderSize+1)); err == nil {
		t.Fatal("expected error for long buffer, got nil")
	}
}

func TestValidateHeader(t *testing.T) {
	valid := NewSYNHeader(1, 2)
	if !ValidateHeader(valid) {
		t.Fatal("expected a freshly built SYN header to validate")
	}

	badSync := valid
	badSync.Sync0 = 'X'
	if ValidateHeader(badSync) {
		t.Fatal("expected header with wrong sync0 to fail validation")
	}

	badVersion := valid
	badVersion.Version = '9'
	if ValidateHeader(badVersion) {
		t.Fatal("expected header with wrong version to fail validation")
	}
}

func TestConnectionIDRendersSentinels(t *testing.T) {
	got := ConnectionID(SentinelToken, PlaceholderToken)
	want := "[g:!!!!,h:????]"
	if got != want {
		t.Fatalf("ConnectionID(sentinel, placeholder) = %q, want %q", got, want)
	}
}

func TestFrameConstructorsSetCtrlAndSync(t *testing.T) {
	cases := []struct {
		name string
		h    Header
		ctrl byte
	}{
		{"SYN", NewSYNHeader(1, 2), CtrlSYN},
		{"SYNACK", NewSYNACKHeader(1, 2), CtrlSYNACK},
		{"ACK", NewACKHeader(1, 2), CtrlACK},
		{"DATA", NewDataHeader(1, 2, 10), CtrlDATA},
		{"RESET", NewResetHeader(1, 2), CtrlRESET},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.h.Ctrl != tc.ctrl {
				t.Errorf("%s header has ctrl %q, want %q", tc.name, tc.h.Ctrl, tc.ctrl)
			}
			if !ValidateHeader(tc.h) {
				t.Errorf("%s header fails ValidateHeader", tc.name)
			}
		})
	}
}
