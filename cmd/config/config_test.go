package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/fabstir/llm-core/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Network.RegistryURL != "http://localhost:8787" {
		t.Fatalf("unexpected registry url: %s", AppConfig.Network.RegistryURL)
	}
	if AppConfig.Session.ProofInterval != 1000 {
		t.Fatalf("unexpected proof interval: %d", AppConfig.Session.ProofInterval)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("bootstrap")
	if AppConfig.Network.DiscoveryTag != "llm-core-bootstrap" {
		t.Fatalf("expected discovery tag override, got %s", AppConfig.Network.DiscoveryTag)
	}
	if len(AppConfig.Network.BootstrapPeers) != 2 {
		t.Fatalf("expected 2 bootstrap peers, got %d", len(AppConfig.Network.BootstrapPeers))
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("network:\n  registry_url: http://sandbox:9999\nsession:\n  proof_interval: 42\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Network.RegistryURL != "http://sandbox:9999" {
		t.Fatalf("expected sandbox registry url, got %s", AppConfig.Network.RegistryURL)
	}
	if AppConfig.Session.ProofInterval != 42 {
		t.Fatalf("expected proof interval 42, got %d", AppConfig.Session.ProofInterval)
	}
}
