package model

import "time"

type SessionStatus string

const (
	SessionProvisioning SessionStatus = "provisioning"
	SessionActive       SessionStatus = "active"
	SessionStopped      SessionStatus = "stopped"
)

// SessionDescriptor is what a viewer needs to reach a provisioned desktop.
// It is never mutated once a connect has started.
type SessionDescriptor struct {
	SessionID   string
	AuthToken   string
	HostAddress string
}

func (d SessionDescriptor) Valid() bool {
	return d.SessionID != "" && d.AuthToken != "" && d.HostAddress != ""
}

type DesktopSession struct {
	ID                string
	UserID            string
	InstanceID        *string
	AWSInstanceID     string
	Status            SessionStatus
	Region            string
	HostAddress       string
	AuthToken         string
	StartedAt         time.Time
	StoppedAt         *time.Time
	MaxSessionSeconds int
}

func (s *DesktopSession) Descriptor() SessionDescriptor {
	return SessionDescriptor{
		SessionID:   s.ID,
		AuthToken:   s.AuthToken,
		HostAddress: s.HostAddress,
	}
}

type DesktopImage struct {
	Region              string
	AMIID               string
	DefaultInstanceType string
	UpdatedAt           time.Time
}

type ViewerEventKind string

const (
	ViewerEventConnecting   ViewerEventKind = "connecting"
	ViewerEventConnected    ViewerEventKind = "connected"
	ViewerEventDisconnected ViewerEventKind = "disconnected"
	ViewerEventError        ViewerEventKind = "error"
)

type ViewerEvent struct {
	SessionID  string
	UserID     string
	Kind       ViewerEventKind
	Detail     string
	ObservedAt time.Time
}
