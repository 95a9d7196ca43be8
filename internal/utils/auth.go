package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Token subjects
const (
	TokenTypeDevice = "device"
	TokenTypeAdmin  = "admin"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	return string(bytes), err
}

// CheckPasswordHash compares a password with a hash
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateDeviceToken issues the bearer token a device sends with every sync call
func GenerateDeviceToken(deviceID, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"device_id": deviceID,
		"role":      "device",
		"type":      TokenTypeDevice,
		"exp":       time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateAdminToken issues a token allowed to manage devices and resolve
// admin-only conflicts
func GenerateAdminToken(name, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  name,
		"role": "admin",
		"type": TokenTypeAdmin,
		"exp":  time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and validates a token
func ValidateToken(tokenString string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// ClaimString returns a string claim or ""
func ClaimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
