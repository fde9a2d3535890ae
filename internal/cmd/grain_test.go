package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grainhound/graind/internal/catalog"
	"github.com/grainhound/graind/internal/config"
)

// writeTestConfig points the CLI at temp catalog/override files and
// returns the config, catalog, and override file paths.
func writeTestConfig(t *testing.T) (configFile, catalogPath, overridesPath string) {
	t.Helper()
	dir := t.TempDir()
	catalogPath = filepath.Join(dir, "catalog.db")
	overridesPath = filepath.Join(dir, "primary_keys.json")
	configFile = filepath.Join(dir, "config.yaml")

	content := "catalog:\n  path: " + catalogPath + "\npipeline:\n  key_overrides_path: " + overridesPath + "\n"
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return configFile, catalogPath, overridesPath
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("command %v failed: %v\n%s", args, err, buf.String())
	}
	return buf.String()
}

func TestGrainSetAndStatus(t *testing.T) {
	cfgPath, catalogPath, overridesPath := writeTestConfig(t)

	// Seed one asset so the override lands in the catalog too.
	store, err := catalog.Open(catalogPath)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.UpsertAsset(context.Background(), &catalog.Asset{
		QualifiedName: "sales.Orders",
		Kind:          "table",
		Schema:        "sales",
		Table:         "Orders",
	})
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	out := runCLI(t, "grain", "set", "sales.Orders", "OrderID,LineNo",
		"--confirmed-by", "dba", "--config", cfgPath)
	if !strings.Contains(out, "OrderID, LineNo") {
		t.Errorf("grain set output = %q", out)
	}

	// The override file carries the key.
	overrides, err := config.LoadKeyOverrides(overridesPath)
	if err != nil {
		t.Fatal(err)
	}
	pk, ok := overrides.PrimaryKey("sales.Orders")
	if !ok || len(pk) != 2 {
		t.Errorf("override = %v, %v", pk, ok)
	}

	// The catalog reflects it.
	store, err = catalog.Open(catalogPath)
	if err != nil {
		t.Fatal(err)
	}
	asset, err := store.GetAssetByQualifiedName(context.Background(), "sales.Orders")
	if err != nil {
		t.Fatal(err)
	}
	if asset.GrainStatus != catalog.GrainConfirmed || asset.PKMethod != "manual" {
		t.Errorf("asset grain = %s/%s", asset.GrainStatus, asset.PKMethod)
	}
	store.Close()

	out = runCLI(t, "status", "--schema", "sales", "--config", cfgPath)
	if !strings.Contains(out, "PK confirmed:    1") {
		t.Errorf("status output = %q", out)
	}

	out = runCLI(t, "grain", "report", "--schema", "sales", "--config", cfgPath)
	if !strings.Contains(out, "Grain Discovery Report") {
		t.Errorf("report output = %q", out)
	}
	if !strings.Contains(out, "PK confirmed:    1") || !strings.Contains(out, "Coverage:        100.0%") {
		t.Errorf("report output = %q", out)
	}
}

func TestGrainNoPK_UnknownAssetStillRecorded(t *testing.T) {
	cfgPath, _, overridesPath := writeTestConfig(t)

	runCLI(t, "grain", "no-pk", "sales.StagingDump", "--config", cfgPath)

	overrides, err := config.LoadKeyOverrides(overridesPath)
	if err != nil {
		t.Fatal(err)
	}
	if !overrides.NoNaturalPK("sales.StagingDump") {
		t.Error("no-pk entry not recorded")
	}
}
