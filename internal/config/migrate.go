package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// currentSchemaVersion is the latest config schema version this build
// understands. versionedConfig wraps Config with the version tag so an
// old on-disk file can be detected and upgraded in place.
const currentSchemaVersion = 2

type versionedConfig struct {
	SchemaVersion int    `yaml:"schema_version"`
	Config        `yaml:",inline"`
}

type configMigration struct {
	fromVersion int
	migrate     func(raw map[string]any) error
}

var configMigrations = []configMigration{
	{fromVersion: 0, migrate: migrateV0toV1},
	{fromVersion: 1, migrate: migrateV1toV2},
}

// migrate decodes raw YAML into a generic map, applies any pending schema
// migrations in order, then re-encodes so the caller can unmarshal into
// the current Config shape. Adapted from the teacher's MigrateConfig, but
// operating on bytes in and out rather than a live map the caller already
// decoded, since this package owns both sides of the boundary.
func migrate(data []byte) ([]byte, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode for migration: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	version := 0
	switch v := raw["schema_version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	}

	for _, m := range configMigrations {
		if m.fromVersion != version {
			continue
		}
		if err := m.migrate(raw); err != nil {
			return nil, fmt.Errorf("migration v%d->v%d: %w", m.fromVersion, m.fromVersion+1, err)
		}
		version++
		raw["schema_version"] = version
	}

	return yaml.Marshal(raw)
}

// migrateV0toV1 renames the pre-1.0 field `dns_servers` to `dns.servers`.
func migrateV0toV1(raw map[string]any) error {
	serversRaw, ok := raw["dns_servers"]
	if !ok {
		return nil
	}
	delete(raw, "dns_servers")

	dns, _ := raw["dns"].(map[string]any)
	if dns == nil {
		dns = map[string]any{}
	}
	dns["servers"] = serversRaw
	raw["dns"] = dns
	return nil
}

// migrateV1toV2 drops the removed `dpi_bypass` section.
func migrateV1toV2(raw map[string]any) error {
	delete(raw, "dpi_bypass")
	return nil
}
