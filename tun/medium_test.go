package tun

import "testing"

func TestParseMedium(t *testing.T) {
	tests := []struct {
		input   string
		want    Medium
		wantErr bool
	}{
		{input: "ethernet", want: MediumEthernet},
		{input: "TAP", want: MediumEthernet},
		{input: " ip ", want: MediumIP},
		{input: "tun", want: MediumIP},
		{input: "", wantErr: true},
		{input: "ieee802154", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseMedium(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseMedium(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMedium(%q) returned error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("ParseMedium(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestMediumString(t *testing.T) {
	if MediumEthernet.String() != "ethernet" || MediumIP.String() != "ip" {
		t.Fatalf("unexpected names %q %q", MediumEthernet, MediumIP)
	}
	if Medium(7).String() != "Medium(7)" {
		t.Fatalf("unexpected fallback name %q", Medium(7))
	}
}
