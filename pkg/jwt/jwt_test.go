package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"
)

var (
	keyOnce           sync.Once
	testKey, otherKey *rsa.PrivateKey
)

func keys(tb testing.TB) (*rsa.PrivateKey, *rsa.PrivateKey) {
	keyOnce.Do(func() {
		var err error
		if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			tb.Fatalf("generate key: %v", err)
		}
		if otherKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			tb.Fatalf("generate key: %v", err)
		}
	})
	return testKey, otherKey
}

func TestGenerateToken(t *testing.T) {
	key, _ := keys(t)

	tests := []struct {
		name       string
		deviceID   string
		expiration time.Duration
		key        *rsa.PrivateKey
		wantErr    bool
	}{
		{
			name:       "valid token generation",
			deviceID:   "0123456789abcdef0123456789abcdef",
			expiration: 15 * time.Minute,
			key:        key,
		},
		{
			name:       "long expiration",
			deviceID:   "fedcba9876543210fedcba9876543210",
			expiration: 24 * time.Hour,
			key:        key,
		},
		{
			name:       "missing key",
			deviceID:   "0123456789abcdef0123456789abcdef",
			expiration: time.Minute,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateToken(tt.deviceID, "server", tt.expiration, tt.key)

			if tt.wantErr {
				if err == nil {
					t.Error("GenerateToken() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("GenerateToken() error = %v", err)
			}
			if len(token) < 100 {
				t.Errorf("GenerateToken() token too short, len = %d", len(token))
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	key, other := keys(t)
	deviceID := "0123456789abcdef0123456789abcdef"

	validToken, _ := GenerateToken(deviceID, "server", time.Hour, key)
	expiredToken, _ := GenerateToken(deviceID, "server", -time.Hour, key)

	tests := []struct {
		name    string
		token   string
		key     *rsa.PublicKey
		wantErr bool
	}{
		{name: "valid token", token: validToken, key: &key.PublicKey},
		{name: "expired token", token: expiredToken, key: &key.PublicKey, wantErr: true},
		{name: "wrong key", token: validToken, key: &other.PublicKey, wantErr: true},
		{name: "invalid token format", token: "invalid.token.format", key: &key.PublicKey, wantErr: true},
		{name: "empty token", token: "", key: &key.PublicKey, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateToken(tt.token, tt.key)

			if tt.wantErr {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.DeviceID != deviceID {
				t.Errorf("ValidateToken() deviceID = %v, want %v", claims.DeviceID, deviceID)
			}
			if claims.Subject != deviceID {
				t.Errorf("ValidateToken() subject = %v, want %v", claims.Subject, deviceID)
			}
			if claims.Issuer != "server" {
				t.Errorf("ValidateToken() issuer = %v, want server", claims.Issuer)
			}
		})
	}
}

func TestClaimsTimestamps(t *testing.T) {
	key, _ := keys(t)
	expiration := time.Hour

	before := time.Now().Add(-1 * time.Second)
	token, err := GenerateToken("0123456789abcdef0123456789abcdef", "server", expiration, key)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	after := time.Now().Add(1 * time.Second)

	claims, err := ValidateToken(token, &key.PublicKey)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	issuedAt := claims.IssuedAt.Time
	if issuedAt.Before(before) || issuedAt.After(after) {
		t.Errorf("IssuedAt timestamp out of expected range: got %v, range [%v, %v]",
			issuedAt, before, after)
	}

	expiresAt := claims.ExpiresAt.Time
	if expiresAt.Before(before.Add(expiration)) || expiresAt.After(after.Add(expiration)) {
		t.Errorf("ExpiresAt timestamp out of expected range: got %v", expiresAt)
	}
}

func BenchmarkValidateToken(b *testing.B) {
	key, _ := keys(b)
	token, _ := GenerateToken("benchmark-device", "server", 15*time.Minute, key)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := ValidateToken(token, &key.PublicKey); err != nil {
			b.Fatalf("ValidateToken() error = %v", err)
		}
	}
}
