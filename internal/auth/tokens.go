// Package auth issues and verifies the two token kinds in the system: device
// tokens (relay AUTH and heartbeat ingestion) and presence stream tokens.
// Both are HS256 over a shared secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/devmesh-labs/devmesh/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// StreamAudience marks a token as authorizing a presence stream; device
// tokens never carry it.
const StreamAudience = "presence-stream"

const (
	useDevice = "device"
	useStream = "stream"
)

// DeviceClaims identifies an authenticated device. IDs are normalized.
type DeviceClaims struct {
	UserID     string
	DeviceID   string
	DeviceName string
}

type Service struct {
	secret []byte
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// IssueDeviceToken mints a device credential. ttl of zero means no expiry;
// device tokens are long-lived and revoked out of band.
func (s *Service) IssueDeviceToken(userID, deviceID, deviceName string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":       models.NormalizeID(deviceID),
		"user_id":   models.NormalizeID(userID),
		"token_use": useDevice,
		"iat":       time.Now().Unix(),
	}
	if deviceName != "" {
		claims["device_name"] = deviceName
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) VerifyDeviceToken(tokenString string) (*DeviceClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if use, _ := claims["token_use"].(string); use != useDevice {
		return nil, ErrInvalidToken
	}

	deviceID, ok := claims["sub"].(string)
	if !ok || deviceID == "" {
		return nil, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}
	deviceName, _ := claims["device_name"].(string)

	return &DeviceClaims{
		UserID:     models.NormalizeID(userID),
		DeviceID:   models.NormalizeID(deviceID),
		DeviceName: deviceName,
	}, nil
}

// IssueStreamToken mints a time-bound token authorizing the presence stream
// for one user.
func (s *Service) IssueStreamToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       models.NormalizeID(userID),
		"aud":       StreamAudience,
		"token_use": useStream,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyStreamToken returns the normalized user id the token authorizes.
func (s *Service) VerifyStreamToken(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	if use, _ := claims["token_use"].(string); use != useStream {
		return "", ErrInvalidToken
	}
	if aud, _ := claims["aud"].(string); aud != StreamAudience {
		return "", ErrInvalidToken
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", ErrInvalidToken
	}
	return models.NormalizeID(userID), nil
}

func (s *Service) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
