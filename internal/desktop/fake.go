package desktop

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
)

// FakeProvisioner hands out documentation-range addresses without touching a
// cloud account.
type FakeProvisioner struct {
	displayPort int

	mu     sync.Mutex
	active map[string]string
}

func NewFakeProvisioner(displayPort int) *FakeProvisioner {
	if displayPort <= 0 {
		displayPort = 8443
	}
	return &FakeProvisioner{displayPort: displayPort, active: make(map[string]string)}
}

func (f *FakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (ProvisionResult, error) {
	var tail [1]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return ProvisionResult{}, err
	}
	ip := fmt.Sprintf("203.0.113.%d", 10+int(tail[0])%200)
	instanceID := "i-fake-" + req.SessionID
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = "g4dn.xlarge"
	}
	ami := req.ImageID
	if ami == "" {
		ami = "ami-placeholder-" + req.Region
	}
	f.mu.Lock()
	f.active[instanceID] = req.SessionID
	f.mu.Unlock()
	return ProvisionResult{
		AWSInstanceID: instanceID,
		AMIID:         ami,
		InstanceType:  instanceType,
		HostAddress:   hostAddress(ip, f.displayPort),
	}, nil
}

func (f *FakeProvisioner) Deprovision(_ context.Context, req DeprovisionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, req.AWSInstanceID)
	return nil
}

// Active reports how many fake hosts are running.
func (f *FakeProvisioner) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}
