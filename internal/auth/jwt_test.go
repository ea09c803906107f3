package auth

import (
	"os"
	"sync"
	"testing"
	"time"
)

// resetJWTSecret resets the package-level sync.Once so tests can set a fresh secret.
func resetJWTSecret() {
	jwtSecret = ""
	jwtSecretOnce = sync.Once{}
	jwtSecretErr = nil
}

func TestMain(m *testing.M) {
	os.Setenv("PAM_JWT_SECRET", "test-jwt-secret-that-is-32-chars-!")
	os.Exit(m.Run())
}

func TestValidateJWTSecret(t *testing.T) {
	t.Run("valid secret from env", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv("PAM_JWT_SECRET", "exactly-32-char-secret-for-test!!")
		if err := ValidateJWTSecret(); err != nil {
			t.Errorf("ValidateJWTSecret() unexpected error: %v", err)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv("PAM_JWT_SECRET", "")
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		if err := ValidateJWTSecret(); err == nil {
			t.Error("ValidateJWTSecret() expected error in production mode without secret, got nil")
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv("PAM_JWT_SECRET", "")
		t.Setenv("DEV_MODE", "true")
		if err := ValidateJWTSecret(); err != nil {
			t.Errorf("ValidateJWTSecret() unexpected error in dev mode: %v", err)
		}
		if GetJWTSecret() == "" {
			t.Error("GetJWTSecret() returned empty string after dev mode init")
		}
	})
}

func TestGenerateAndValidateJWT(t *testing.T) {
	resetJWTSecret()
	t.Setenv("PAM_JWT_SECRET", "test-jwt-secret-that-is-32-chars-!")

	t.Run("round trip", func(t *testing.T) {
		token, err := GenerateJWT(42, "Alice", []string{"activity_logs:read"}, "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}

		claims, err := ValidateJWT(token, DefaultIssuer)
		if err != nil {
			t.Fatalf("ValidateJWT() error: %v", err)
		}
		if claims.UserID != 42 {
			t.Errorf("claims.UserID = %d, want 42", claims.UserID)
		}
		if claims.Name != "Alice" {
			t.Errorf("claims.Name = %q, want Alice", claims.Name)
		}
		if len(claims.Scopes) != 1 || claims.Scopes[0] != "activity_logs:read" {
			t.Errorf("claims.Scopes = %v", claims.Scopes)
		}
		if claims.Subject != "42" {
			t.Errorf("claims.Subject = %q, want 42", claims.Subject)
		}
	})

	t.Run("default expiry when zero duration", func(t *testing.T) {
		token, err := GenerateJWT(1, "u", nil, "", 0)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}
		claims, err := ValidateJWT(token, "")
		if err != nil {
			t.Fatalf("ValidateJWT() error: %v", err)
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		if remaining < 50*time.Minute || remaining > 70*time.Minute {
			t.Errorf("default expiry remaining = %v, want ~1h", remaining)
		}
	})

	t.Run("issuer mismatch is rejected", func(t *testing.T) {
		token, _ := GenerateJWT(1, "u", nil, "someone-else", time.Hour)
		if _, err := ValidateJWT(token, DefaultIssuer); err == nil {
			t.Error("ValidateJWT() expected error for foreign issuer, got nil")
		}
	})

	t.Run("missing user id is rejected", func(t *testing.T) {
		token, _ := GenerateJWT(0, "anon", nil, "", time.Hour)
		if _, err := ValidateJWT(token, ""); err == nil {
			t.Error("ValidateJWT() expected error for user_id 0, got nil")
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := GenerateJWT(1, "u", nil, "", -time.Second)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}
		if _, err := ValidateJWT(token, ""); err == nil {
			t.Error("ValidateJWT() expected error for expired token, got nil")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		for _, tok := range []string{"", "not.a.valid.token"} {
			if _, err := ValidateJWT(tok, ""); err == nil {
				t.Errorf("ValidateJWT(%q) expected error, got nil", tok)
			}
		}
	})

	t.Run("token signed with different secret is rejected", func(t *testing.T) {
		token, err := GenerateJWT(1, "u", nil, "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}

		resetJWTSecret()
		t.Setenv("PAM_JWT_SECRET", "completely-different-secret-32ch!")

		if _, err := ValidateJWT(token, ""); err == nil {
			t.Error("ValidateJWT() expected error for token signed with different secret, got nil")
		}

		resetJWTSecret()
		t.Setenv("PAM_JWT_SECRET", "test-jwt-secret-that-is-32-chars-!")
	})
}
