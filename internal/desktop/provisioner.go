// Package desktop provisions the cloud hosts that serve remote desktop
// sessions and hands back what a viewer needs to reach them.
package desktop

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

type ProvisionRequest struct {
	SessionID string
	UserID    string
	Region    string
	// ImageID overrides the configured image for Region when set.
	ImageID      string
	InstanceType string
	AuthToken    string
}

type ProvisionResult struct {
	AWSInstanceID string
	AMIID         string
	InstanceType  string
	HostAddress   string
}

type DeprovisionRequest struct {
	SessionID     string
	UserID        string
	Region        string
	AWSInstanceID string
}

type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	Deprovision(ctx context.Context, req DeprovisionRequest) error
}

// NewAuthToken returns a random token the display host accepts for one
// session.
func NewAuthToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func hostAddress(host string, port int) string {
	return fmt.Sprintf("https://%s:%d", host, port)
}
