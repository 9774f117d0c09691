package viewsync

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "user-123"
	deviceID := "device-456"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(userID, deviceID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}

	if claims.DeviceID != deviceID {
		t.Errorf("Expected device_id %s, got %s", deviceID, claims.DeviceID)
	}

	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}

	if claims.Issuer != "viewsync" {
		t.Errorf("Expected issuer 'viewsync', got %s", claims.Issuer)
	}

	if claims.ExpiresAt == nil {
		t.Fatal("Token should have expiration time")
	}

	expectedExpiry := time.Now().Add(duration)
	timeDiff := claims.ExpiresAt.Time.Sub(expectedExpiry).Abs()
	if timeDiff > time.Second {
		t.Errorf("Token expiry time differs by more than 1 second: expected ~%v, got %v", expectedExpiry, claims.ExpiresAt.Time)
	}
}

func TestJWTAuth_ValidateToken_InvalidSecret(t *testing.T) {
	jwtAuth1 := NewJWTAuth("secret-1")
	jwtAuth2 := NewJWTAuth("secret-2")

	token, err := jwtAuth1.GenerateToken("user", "device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	_, err = jwtAuth2.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation to fail with different secret")
	}
}

func TestJWTAuth_ValidateToken_ExpiredToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user", "device", time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	_, err = jwtAuth.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation to fail for expired token")
	}
}

func TestJWTAuth_ValidateToken_MalformedToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	testCases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not.a.jwt"},
		{"random string", "random-string"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := jwtAuth.ValidateToken(tc.token)
			if err == nil {
				t.Errorf("Expected validation to fail for %s", tc.name)
			}
		})
	}
}

func TestJWTAuth_ValidateToken_MissingDeviceID(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	claims := &JWTClaims{
		DeviceID: "",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "user",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(jwtAuth.secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	_, err = jwtAuth.ValidateToken(tokenString)
	if err == nil {
		t.Error("Expected validation to fail for missing device_id")
	}
}

func TestJWTAuth_RequestExtraction(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-9", "device-9", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	r := httptest.NewRequest("GET", "/sync/changes", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(r)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != "user-9" {
		t.Errorf("Expected user-9, got %s", userID)
	}

	deviceID, err := jwtAuth.GetDeviceID(r)
	if err != nil {
		t.Fatalf("GetDeviceID failed: %v", err)
	}
	if deviceID != "device-9" {
		t.Errorf("Expected device-9, got %s", deviceID)
	}
}

func TestJWTAuth_RequestExtraction_MissingHeader(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	testCases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"bearer garbage", "Bearer not-a-token"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/sync/changes", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if _, err := jwtAuth.GetUserID(r); err == nil {
				t.Error("Expected GetUserID to fail")
			}
			if _, err := jwtAuth.GetDeviceID(r); err == nil {
				t.Error("Expected GetDeviceID to fail")
			}
		})
	}
}
