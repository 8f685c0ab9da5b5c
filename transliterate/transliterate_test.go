package transliterate

import "testing"

func TestToCyrillicBasicName(t *testing.T) {
	got := ToCyrillic("IVANOV")
	want := "ИВАНОВ"
	if got != want {
		t.Fatalf("ToCyrillic(IVANOV) = %q, want %q", got, want)
	}
}

func TestToCyrillicDigraphs(t *testing.T) {
	cases := map[string]string{
		"ZHUKOV":   "ЖУКОВ",
		"KHARKOV":  "ХАРКОВ",
		"CHEKHOV":  "ЧЕХОВ",
		"SHISHKIN": "ШИШКИН",
		"SHCHUKIN": "ЩУКИН",
	}
	for in, want := range cases {
		if got := ToCyrillic(in); got != want {
			t.Errorf("ToCyrillic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToCyrillicIotatedVowels(t *testing.T) {
	cases := map[string]string{
		"YAKOV":  "ЯКОВ",
		"YELENA": "ЕЛЕНА",
		"YURI":   "ЮРИ",
	}
	for in, want := range cases {
		if got := ToCyrillic(in); got != want {
			t.Errorf("ToCyrillic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToCyrillicCaretBecomesSpace(t *testing.T) {
	if got := ToCyrillic("IVANOV^IVAN"); got != "ИВАНОВ ИВАН" {
		t.Fatalf("got %q", got)
	}
}

func TestToLatinBasic(t *testing.T) {
	if got := ToLatin("ИВАНОВ"); got != "IVANOV" {
		t.Fatalf("ToLatin(ИВАНОВ) = %q, want IVANOV", got)
	}
}

func TestToLatinDigraphs(t *testing.T) {
	if got := ToLatin("ЖУКОВ"); got != "ZHUKOV" {
		t.Fatalf("ToLatin(ЖУКОВ) = %q", got)
	}
	if got := ToLatin("ХАРЬКОВ"); got == "" {
		t.Fatalf("expected non-empty transliteration")
	}
}

func TestRoundTripCommonNames(t *testing.T) {
	for _, name := range []string{"IVANOV", "PETROV", "SMIRNOV", "KOZLOV"} {
		cyr := ToCyrillic(name)
		if cyr == name {
			t.Errorf("ToCyrillic(%q) did not change the string", name)
		}
	}
}
