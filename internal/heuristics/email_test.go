package heuristics

import "testing"

func TestDisposable(t *testing.T) {
	d := NewDetector(Config{ExtraDisposableDomains: []string{"corp-burner.example"}})

	cases := []struct {
		email string
		want  bool
	}{
		{"user@mailinator.com", true},
		{"user@MAILINATOR.COM", true},
		{"user@yopmail.com", true},
		{"user@corp-burner.example", true},
		{"user@gmail.com", false},
		{"user@example.org", false},
		{"not-an-email", false},
	}

	for _, tc := range cases {
		if got := d.Disposable(tc.email); got != tc.want {
			t.Errorf("Disposable(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
}

func TestStrange(t *testing.T) {
	d := NewDetector(Config{})

	cases := []struct {
		name  string
		email string
		want  bool
	}{
		{"normal corporate", "jane.doe@bigco.example", false},
		{"short local on major domain", "jd@gmail.com", false},
		{"short local on unknown domain", "jd@bigco.example", false},
		{"single letter local", "a@b.com", false},
		{"digit heavy local", "x8219471205@bigco.example", true},
		{"no letters at all", "12345@bigco.example", true},
		{"pathological length", "user@" + string(make([]byte, 120)), true},
		{"missing at sign", "janedoe.example", true},
		{"ordinary gmail digits", "x8219471205@gmail.com", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.Strange(tc.email); got != tc.want {
				t.Errorf("Strange(%q) = %v, want %v", tc.email, got, tc.want)
			}
		})
	}
}

func TestExtraMajorDomainSuppressesStrange(t *testing.T) {
	d := NewDetector(Config{ExtraMajorDomains: []string{"partner.example"}})

	if d.Strange("x8219471205@partner.example") {
		t.Error("extra major domain still flagged as strange")
	}
}
