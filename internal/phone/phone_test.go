package phone

import "testing"

func TestNormalizeConvergence(t *testing.T) {
	// All representations of one real number must converge on one canonical value.
	inputs := []string{
		"919677018116",
		"+919677018116",
		"9677018116",
		"+91 96770 18116",
		"91-9677-018-116",
		"whatsapp:+919677018116",
		"0091 9677018116",
	}
	const want = "919677018116"
	for _, in := range inputs {
		got := Normalize(in, "91")
		if got.Canonical != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got.Canonical, want)
		}
		if got.LowConfidence {
			t.Errorf("Normalize(%q) unexpectedly low confidence", in)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		cc            string
		wantCanonical string
		wantLowConf   bool
	}{
		{
			name:          "national number with default country code",
			raw:           "9677018116",
			cc:            "91",
			wantCanonical: "919677018116",
		},
		{
			name:          "national number without default country code",
			raw:           "4165550199",
			cc:            "",
			wantCanonical: "4165550199",
		},
		{
			name:          "international prefix kept verbatim",
			raw:           "+14165550199",
			cc:            "91",
			wantCanonical: "14165550199",
		},
		{
			name:          "double-zero international prefix",
			raw:           "0014165550199",
			cc:            "91",
			wantCanonical: "14165550199",
		},
		{
			name:          "separators removed",
			raw:           "(416) 555-0199",
			cc:            "1",
			wantCanonical: "14165550199",
		},
		{
			name:          "short number flagged low confidence",
			raw:           "55512",
			cc:            "91",
			wantCanonical: "55512",
			wantLowConf:   true,
		},
		{
			name:          "eight digit number flagged ambiguous",
			raw:           "96770181",
			cc:            "91",
			wantCanonical: "96770181",
			wantLowConf:   true,
		},
		{
			name:          "sms gateway prefix stripped",
			raw:           "sms:+919677018116",
			cc:            "91",
			wantCanonical: "919677018116",
		},
		{
			name:          "empty input flagged",
			raw:           "   ",
			cc:            "91",
			wantCanonical: "",
			wantLowConf:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw, tt.cc)
			if got.Canonical != tt.wantCanonical {
				t.Errorf("Canonical = %q, want %q", got.Canonical, tt.wantCanonical)
			}
			if got.LowConfidence != tt.wantLowConf {
				t.Errorf("LowConfidence = %v, want %v", got.LowConfidence, tt.wantLowConf)
			}
		})
	}
}

func TestNormalizeIsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		got := Normalize("+91 96770-18116", "91")
		if got.Canonical != "919677018116" {
			t.Fatalf("iteration %d: Canonical = %q", i, got.Canonical)
		}
	}
}

func TestVariants(t *testing.T) {
	n := Normalize("9677018116", "91")
	vs := n.Variants()
	if len(vs) != 2 || vs[0] != "919677018116" || vs[1] != "9677018116" {
		t.Errorf("Variants() = %v, want canonical then raw", vs)
	}

	n = Normalize("+919677018116", "91")
	vs = n.Variants()
	if len(vs) != 1 || vs[0] != "919677018116" {
		t.Errorf("Variants() = %v, want single canonical", vs)
	}
}
