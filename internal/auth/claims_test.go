package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

func TestIssueAndVerify(t *testing.T) {
	token, err := IssueToken("usr-001", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	v := newTestVerifier(t)
	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "usr-001" {
		t.Errorf("Verify() = %q, want usr-001", userID)
	}

	claims, err := v.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.ID == "" {
		t.Error("JTI should not be empty")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := IssueToken("usr-001", "correct-secret", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := newTestVerifier(t).Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "usr-001",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newTestVerifier(t).Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify() error = %v, want ErrTokenExpired", err)
	}
}

func TestVerify_Rejections(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	sign := func(m jwt.SigningMethod, key any, c jwt.Claims) string {
		s, err := jwt.NewWithClaims(m, c).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-valid-jwt"},
		{"empty", ""},
		{"missing subject", sign(jwt.SigningMethodHS256, []byte(testSecret), Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}})},
		{"missing expiry", sign(jwt.SigningMethodHS256, []byte(testSecret), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-001"}})},
		{"wrong algorithm", sign(jwt.SigningMethodHS512, []byte(testSecret), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-001", ExpiresAt: future}})},
		{"none algorithm", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-001", ExpiresAt: future}})},
	}

	v := newTestVerifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestEmptySecret(t *testing.T) {
	if _, err := NewVerifier(""); !errors.Is(err, ErrNoSecret) {
		t.Errorf("NewVerifier(\"\") error = %v", err)
	}
	if _, err := IssueToken("u", "", time.Minute); !errors.Is(err, ErrNoSecret) {
		t.Errorf("IssueToken() error = %v", err)
	}
}
