package fedmesh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIdentityStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadIdentity(dir)
	if err != nil {
		t.Fatalf("First LoadIdentity failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, identityFileName)); err != nil {
		t.Fatalf("Expected identity file to be persisted: %v", err)
	}

	second, err := LoadIdentity(dir)
	if err != nil {
		t.Fatalf("Second LoadIdentity failed: %v", err)
	}

	if !first.Equals(second) {
		t.Error("Identity must be stable across runs")
	}
}

func TestLoadIdentityRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, identityFileName)
	if err := os.WriteFile(path, []byte(`private_key = "not-base64!"`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadIdentity(dir); err == nil {
		t.Error("Expected error for corrupt identity file")
	}
}

func TestValidateForRole(t *testing.T) {
	full := Config{
		OperatorID:           "0.0.1001",
		OperatorKey:          "302e0201",
		ContractID:           "0.0.2002",
		BootstrapAddr:        "/ip4/10.0.0.1/tcp/4001/p2p/Qm",
		ObjectStoreAccessKey: "ak",
		ObjectStoreSecretKey: "sk",
		ObjectStoreEndpoint:  "https://o3-rc2.akave.xyz",
	}

	tests := []struct {
		name    string
		cfg     Config
		role    string
		wantErr bool
	}{
		{name: "bootstrap needs nothing", cfg: Config{}, role: "bootstrap"},
		{name: "client full", cfg: full, role: "client"},
		{name: "trainer full", cfg: full, role: "trainer"},
		{name: "client without bootstrap", cfg: func() Config { c := full; c.BootstrapAddr = ""; return c }(), role: "client", wantErr: true},
		{name: "trainer without operator", cfg: func() Config { c := full; c.OperatorKey = ""; return c }(), role: "trainer", wantErr: true},
		{name: "client without contract", cfg: func() Config { c := full; c.ContractID = ""; return c }(), role: "client", wantErr: true},
		{name: "client without store", cfg: func() Config { c := full; c.ObjectStoreSecretKey = ""; return c }(), role: "client", wantErr: true},
		{name: "unknown role", cfg: full, role: "miner", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateForRole(tt.role)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateForRole(%s) = %v, wantErr %v", tt.role, err, tt.wantErr)
			}
		})
	}
}
