package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PKOverride is one operator-confirmed primary key.
type PKOverride struct {
	Columns       []string `json:"columns"`
	Source        string   `json:"source"`
	ConfirmedBy   string   `json:"confirmed_by"`
	ConfirmedDate string   `json:"confirmed_date"`
}

// KeyOverrides is the primary-key override file: manual PKs plus the
// list of assets known to lack a natural key. It satisfies the grain
// discoverer's Overrides interface.
type KeyOverrides struct {
	path string

	PrimaryKeys  map[string]PKOverride `json:"primary_keys"`
	NoNaturalPKs []string              `json:"no_natural_pk"`
}

// LoadKeyOverrides reads the override file; a missing file is an empty
// override set.
func LoadKeyOverrides(path string) (*KeyOverrides, error) {
	k := &KeyOverrides{
		path:        path,
		PrimaryKeys: make(map[string]PKOverride),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key overrides %s: %w", path, err)
	}
	if err := json.Unmarshal(data, k); err != nil {
		return nil, fmt.Errorf("parse key overrides %s: %w", path, err)
	}
	if k.PrimaryKeys == nil {
		k.PrimaryKeys = make(map[string]PKOverride)
	}
	return k, nil
}

// NoNaturalPK reports whether the asset is designated as keyless.
func (k *KeyOverrides) NoNaturalPK(qualified string) bool {
	for _, name := range k.NoNaturalPKs {
		if name == qualified {
			return true
		}
	}
	return false
}

// PrimaryKey returns the manual PK for the asset, if one is configured.
func (k *KeyOverrides) PrimaryKey(qualified string) ([]string, bool) {
	o, ok := k.PrimaryKeys[qualified]
	if !ok || len(o.Columns) == 0 {
		return nil, false
	}
	return o.Columns, true
}

// SetPrimaryKey records a manual override and saves the file.
func (k *KeyOverrides) SetPrimaryKey(qualified string, columns []string, source, confirmedBy string) error {
	k.PrimaryKeys[qualified] = PKOverride{
		Columns:       columns,
		Source:        source,
		ConfirmedBy:   confirmedBy,
		ConfirmedDate: time.Now().UTC().Format("2006-01-02"),
	}
	return k.save()
}

// MarkNoNaturalPK adds the asset to the keyless list and saves the file.
func (k *KeyOverrides) MarkNoNaturalPK(qualified string) error {
	if !k.NoNaturalPK(qualified) {
		k.NoNaturalPKs = append(k.NoNaturalPKs, qualified)
	}
	return k.save()
}

// save writes the file atomically: temp file in the same directory, then
// rename.
func (k *KeyOverrides) save() error {
	if k.path == "" {
		return errors.New("key overrides have no backing path")
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("create overrides directory: %w", err)
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key overrides: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write key overrides: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("replace key overrides: %w", err)
	}
	return nil
}
