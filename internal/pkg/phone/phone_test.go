package phone

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"0711000000":      "0711000000",
		"+255711000000":   "0711000000",
		"255711000000":    "0711000000",
		" 0711 000 000 ":  "0711000000",
		"+255-711-000000": "0711000000",
	}

	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("normalize %q: got %q, want %q", input, got, want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("0711000000") {
		t.Fatalf("expected valid local number")
	}
	if Valid("711000000") {
		t.Fatalf("expected missing leading zero to be invalid")
	}
	if Valid("07110000001") {
		t.Fatalf("expected overlong number to be invalid")
	}
	if Valid("07110000ab") {
		t.Fatalf("expected non-digit number to be invalid")
	}
}
