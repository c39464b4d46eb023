package edt

import "testing"

// TestPackArgsRoundTripsArgcArgv mirrors
// testArgcArgv0.c's mainEdt: 4 arguments, the second and third giving
// a remaining-args count and a string length, and a fourth string
// whose length matches.
func TestPackArgsRoundTripsArgcArgv(t *testing.T) {
	args := []string{"prog", "2", "4", "abcd"}
	full := PackArgs(args)
	stripped := StripHeader(full)

	argc, err := GetArgc(stripped)
	if err != nil {
		t.Fatalf("GetArgc: %v", err)
	}
	if argc != 4 {
		t.Fatalf("argc = %d, want 4", argc)
	}

	remArgs, err := GetArgv(stripped, 1)
	if err != nil || remArgs != "2" {
		t.Fatalf("GetArgv(1) = %q, %v; want \"2\"", remArgs, err)
	}
	strSize, err := GetArgv(stripped, 2)
	if err != nil || strSize != "4" {
		t.Fatalf("GetArgv(2) = %q, %v; want \"4\"", strSize, err)
	}
	str, err := GetArgv(stripped, 3)
	if err != nil || str != "abcd" {
		t.Fatalf("GetArgv(3) = %q, %v; want \"abcd\"", str, err)
	}
}

func TestGetArgvRejectsOutOfRangeIndex(t *testing.T) {
	stripped := StripHeader(PackArgs([]string{"only"}))
	if _, err := GetArgv(stripped, 5); err == nil {
		t.Fatal("expected an out-of-range error")
	}
}
