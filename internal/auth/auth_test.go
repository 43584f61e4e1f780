package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"finance-feedback-engine/config"
)

func testService(t *testing.T) (*Service, string) {
	t.Helper()
	pm := NewPasswordManager(bcryptTestCost, MinPasswordLength)
	hash, err := pm.HashPassword("Sup3r-secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	svc := NewService(config.AuthConfig{
		Enabled:             true,
		JWTSecret:           "test-secret",
		AccessTokenDuration: time.Minute,
		AdminUser:           "admin",
		AdminPasswordHash:   hash,
	}, nil)
	return svc, "Sup3r-secret"
}

// Low cost keeps bcrypt fast in tests.
const bcryptTestCost = 4

func TestLoginIssuesValidToken(t *testing.T) {
	svc, password := testService(t)

	pair, err := svc.Login(LoginRequest{Username: "admin", Password: password})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.AccessToken == "" || pair.RefreshToken == "" || pair.ExpiresIn != 60 {
		t.Errorf("unexpected token pair %+v", pair)
	}

	claims, err := svc.JWT().ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Username != "admin" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, password := testService(t)

	pair, err := svc.Login(LoginRequest{Username: "admin", Password: password})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := svc.Refresh(RefreshRequest{RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == "" || next.RefreshToken == pair.RefreshToken {
		t.Errorf("refresh token was not rotated")
	}
	if _, err := svc.JWT().ValidateAccessToken(next.AccessToken); err != nil {
		t.Errorf("new access token invalid: %v", err)
	}

	// The consumed token must be dead.
	if _, err := svc.Refresh(RefreshRequest{RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("stale refresh err = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	svc, password := testService(t)
	if _, err := svc.Login(LoginRequest{Username: "admin", Password: password}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := svc.Refresh(RefreshRequest{RefreshToken: "made-up"}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	svc, password := testService(t)

	pair, err := svc.Login(LoginRequest{Username: "admin", Password: password})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	svc.Logout(pair.RefreshToken)
	if _, err := svc.Refresh(RefreshRequest{RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err after logout = %v, want ErrInvalidToken", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, password := testService(t)

	cases := []struct {
		name string
		req  LoginRequest
	}{
		{"wrong password", LoginRequest{Username: "admin", Password: "nope"}},
		{"wrong username", LoginRequest{Username: "root", Password: password}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Login(tt.req); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestLoginWithoutCredentialConfigured(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "s"}, nil)
	if _, err := svc.Login(LoginRequest{Username: "admin", Password: "x"}); !errors.Is(err, ErrLoginNotConfigured) {
		t.Errorf("err = %v, want ErrLoginNotConfigured", err)
	}
}

func TestValidateRejectsForeignToken(t *testing.T) {
	issuer := NewJWTManager("secret-a", time.Minute, time.Hour)
	verifier := NewJWTManager("secret-b", time.Minute, time.Hour)

	token, err := issuer.GenerateAccessToken(OperatorClaims{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if _, err := verifier.ValidateAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("secret", time.Minute, time.Hour)
	m.accessTokenDuration = -time.Minute

	token, err := m.GenerateAccessToken(OperatorClaims{Username: "admin"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if _, err := m.ValidateAccessToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestPasswordStrength(t *testing.T) {
	pm := NewPasswordManager(bcryptTestCost, 8)

	cases := []struct {
		password string
		wantErr  bool
	}{
		{"Sup3r-secret", false},
		{"short", true},
		{"alllowercase", true},
		{"Mixed1234", false},
	}
	for _, tt := range cases {
		t.Run(tt.password, func(t *testing.T) {
			err := pm.ValidatePasswordStrength(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePasswordStrength(%q) = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("secret", time.Minute, time.Hour)

	router := gin.New()
	router.GET("/protected", Middleware(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": c.GetString(ContextKeyUsername)})
	})

	token, err := m.GenerateAccessToken(OperatorClaims{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	cases := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
