package utils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DeviceIdentity is the persistent identity of a documenting device
type DeviceIdentity struct {
	DeviceID   string `json:"device_id"`
	PrivateKey string `json:"private_key"` // Base64
	PublicKey  string `json:"public_key"`  // Base64
}

// LoadOrGenerateDeviceIdentity keeps the device id stable across restarts.
// An explicit id overrides the stored one; a missing file is created.
func LoadOrGenerateDeviceIdentity(path, deviceID string) (*DeviceIdentity, error) {
	if data, err := os.ReadFile(path); err == nil {
		var identity DeviceIdentity
		if err := json.Unmarshal(data, &identity); err != nil {
			return nil, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		if deviceID == "" || deviceID == identity.DeviceID {
			return &identity, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	identity := &DeviceIdentity{
		DeviceID:   deviceID,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	data, _ := json.MarshalIndent(identity, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return identity, nil
}

// Sign returns the base64 Ed25519 signature of message
func (d *DeviceIdentity) Sign(message string) (string, error) {
	priv, err := base64.StdEncoding.DecodeString(d.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return "", errors.New("invalid private key")
	}
	sig := ed25519.Sign(ed25519.PrivateKey(priv), []byte(message))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks an Ed25519 signature
func VerifySignature(publicKeyBase64, message, signatureBase64 string) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %v", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %v", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}

	return ed25519.Verify(pubBytes, []byte(message), sigBytes), nil
}

// RegistrationMessage is what a device signs when pairing
func RegistrationMessage(deviceID, publicKey string) string {
	return fmt.Sprintf("{\"deviceId\":\"%s\",\"devicePublicKey\":\"%s\"}", deviceID, publicKey)
}

// FinalizationMessage is what a device signs to finalize a treatment
func FinalizationMessage(treatmentID, actor string, signedAt int64) string {
	return fmt.Sprintf("finalize:%s:%s:%d", treatmentID, actor, signedAt)
}
