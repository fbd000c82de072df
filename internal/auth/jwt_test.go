package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "test-secret"

func TestGenerateAndVerify(t *testing.T) {
	userID := uuid.New()

	token, err := GenerateToken(testSecret, userID, "Alex")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	principal, err := VerifyBearer(testSecret, "Bearer "+token)
	if err != nil {
		t.Fatalf("VerifyBearer failed: %v", err)
	}
	if principal.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, principal.UserID)
	}
	if principal.Name != "Alex" {
		t.Errorf("expected name Alex, got %q", principal.Name)
	}
}

func TestVerifyBearer_Rejections(t *testing.T) {
	valid, err := GenerateToken(testSecret, uuid.New(), "x")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	wrongSecret, err := GenerateToken("other-secret", uuid.New(), "x")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"empty header", ""},
		{"no bearer prefix", valid},
		{"wrong scheme", "Basic " + valid},
		{"garbage", "Bearer abc.def.ghi"},
		{"wrong secret", "Bearer " + wrongSecret},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifyBearer(testSecret, tc.header); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerifyBearer_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			Issuer:    "pushgate",
		},
		UserID: uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := VerifyBearer(testSecret, "Bearer "+signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestVerifyBearer_RejectsBadUserID(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "not-a-uuid",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := VerifyBearer(testSecret, "Bearer "+signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for malformed user id, got %v", err)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatal("expected no principal on an empty context")
	}

	p := Principal{UserID: uuid.New(), Name: "tester"}
	ctx := WithPrincipal(context.Background(), p)

	got, ok := PrincipalFrom(ctx)
	if !ok {
		t.Fatal("expected principal on context")
	}
	if got != p {
		t.Errorf("expected %+v, got %+v", p, got)
	}
}
