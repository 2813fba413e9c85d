package auth

import (
	"strings"
	"testing"
)

func TestComputeS256ChallengeRFCVector(t *testing.T) {
	if got := ComputeS256Challenge(testVerifier); got != testChalleng {
		t.Fatalf("challenge = %q, want %q", got, testChalleng)
	}
}

func TestValidatePKCE(t *testing.T) {
	long := strings.Repeat("a", 129)
	cases := []struct {
		name, verifier, challenge, method string
		want                              bool
	}{
		{"s256", testVerifier, testChalleng, PKCEMethodS256, true},
		{"s256 mismatch", testVerifier, testVerifier, PKCEMethodS256, false},
		{"plain", testVerifier, testVerifier, PKCEMethodPlain, true},
		{"empty method is plain", testVerifier, testVerifier, "", true},
		{"unknown method", testVerifier, testVerifier, "S512", false},
		{"short verifier", "abc", "abc", PKCEMethodPlain, false},
		{"long verifier", long, long, PKCEMethodPlain, false},
		{"bad characters", strings.Repeat("a", 42) + "!", strings.Repeat("a", 42) + "!", PKCEMethodPlain, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidatePKCE(tc.verifier, tc.challenge, tc.method); got != tc.want {
				t.Fatalf("ValidatePKCE = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	if !ValidateCodeChallenge(testChalleng, PKCEMethodS256) {
		t.Fatal("expected valid challenge")
	}
	if ValidateCodeChallenge("", PKCEMethodS256) || ValidateCodeChallenge(testChalleng, "md5") {
		t.Fatal("expected invalid challenge")
	}
}

func TestRefreshTokenFormat(t *testing.T) {
	raw := formatRefreshToken("01HZX", "s3cr3t")
	id, secret, err := splitRefreshToken(raw)
	if err != nil || id != "01HZX" || secret != "s3cr3t" {
		t.Fatalf("split = %q %q %v", id, secret, err)
	}
	for _, bad := range []string{"", "nodot", ".secret", "id."} {
		if _, _, err := splitRefreshToken(bad); err == nil {
			t.Errorf("splitRefreshToken(%q) succeeded", bad)
		}
	}
}
