package main

import (
	"testing"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/config"
	"github.com/smartpcapp/smartpc-control-plane/internal/desktop"
	"github.com/smartpcapp/smartpc-control-plane/internal/display"
	"github.com/smartpcapp/smartpc-control-plane/internal/display/gateway"
)

func TestBuildDesktopImages_FakeModeUsesPlaceholderAMI(t *testing.T) {
	cfg := config.Config{
		DesktopProvider:  "fake",
		SupportedRegions: []string{"us-east-1", "eu-west-1"},
		AWSAMIMap:        map[string]string{},
		AWSInstanceType:  "g4dn.xlarge",
	}

	got := buildDesktopImages(cfg)
	if len(got) != 2 {
		t.Fatalf("expected 2 images, got %d", len(got))
	}
	if got[0].AMIID != "ami-fake-us-east-1" || got[1].AMIID != "ami-fake-eu-west-1" {
		t.Fatalf("unexpected fake images: %+v", got)
	}
}

func TestBuildDesktopImages_AWSModeRequiresAMIMapEntries(t *testing.T) {
	cfg := config.Config{
		DesktopProvider:  "aws",
		SupportedRegions: []string{"us-east-1", "eu-west-1"},
		AWSAMIMap:        map[string]string{"us-east-1": "ami-real-1"},
		AWSInstanceType:  "g4dn.xlarge",
	}

	got := buildDesktopImages(cfg)
	if len(got) != 1 {
		t.Fatalf("expected 1 image, got %d", len(got))
	}
	if got[0].Region != "us-east-1" || got[0].AMIID != "ami-real-1" || got[0].DefaultInstanceType != "g4dn.xlarge" {
		t.Fatalf("unexpected image: %+v", got[0])
	}
}

func TestNewProvisioner_SelectsByProvider(t *testing.T) {
	prov, err := newProvisioner(config.Config{DesktopProvider: "fake", DisplayPort: 8443})
	if err != nil {
		t.Fatalf("fake provisioner: %v", err)
	}
	if _, ok := prov.(*desktop.FakeProvisioner); !ok {
		t.Fatalf("expected fake provisioner, got %T", prov)
	}

	prov, err = newProvisioner(config.Config{DesktopProvider: "aws", AWSAMIMap: map[string]string{"us-east-1": "ami-1"}})
	if err != nil {
		t.Fatalf("aws provisioner: %v", err)
	}
	if _, ok := prov.(*desktop.AWSProvisioner); !ok {
		t.Fatalf("expected aws provisioner, got %T", prov)
	}

	if _, err := newProvisioner(config.Config{DesktopProvider: "aws"}); err == nil {
		t.Fatal("expected error without an image map")
	}
}

func TestNewDisplayClient(t *testing.T) {
	if _, ok := newDisplayClient(config.Config{DisplayClient: "gateway"}).(*gateway.Client); !ok {
		t.Fatal("expected gateway client")
	}
	if _, ok := newDisplayClient(config.Config{DisplayClient: "fake"}).(*display.FakeClient); !ok {
		t.Fatal("expected fake client")
	}
}

func TestViewerOptions_CarriesTunables(t *testing.T) {
	cfg := config.Config{Viewer: config.ViewerConfig{
		StatsInterval: 3 * time.Second,
		SettleDelay:   400 * time.Millisecond,
		HistorySize:   20,
		Codec:         "av1",
	}}
	opts := viewerOptions(cfg, nil)
	if opts.StatsInterval != 3*time.Second || opts.SettleDelay != 400*time.Millisecond || opts.HistorySize != 20 || opts.Codec != "av1" {
		t.Fatalf("unexpected options %+v", opts)
	}
}
