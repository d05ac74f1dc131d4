// Package config loads the two configuration shapes spec.md §6 defines
// the core's consumption of — storage parameters via github.com/spf13/viper,
// and the BPSec policy document via a direct gopkg.in/yaml.v3 unmarshal —
// matching scion's config-loading idiom of unmarshaling into a plain Go
// struct rather than hand-rolling a parser.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dtnrelay/core/internal/bpsec"
	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/internal/store"
	"github.com/dtnrelay/core/pkg/direrror"
)

// Error kinds of spec.md §7 "Config". DUPLICATE_POLICY (spec.md §7) surfaces
// as bpsec.ErrDuplicateServiceMerge via LoadFromConfig/BuildPolicyTrie
// rather than a config-package sentinel of its own.
var (
	ErrInvalidKeyMaterial          = direrror.New("invalid key material")
	ErrInvalidParameterCombination = direrror.New("invalid parameter combination")
)

// StorageConfig is the configuration shape the Bundle Store consumes
// (spec.md §6): number of disks, segment layout, restore behavior.
type StorageConfig struct {
	NumDisks           int    `mapstructure:"num_disks" yaml:"num_disks"`
	DiskPaths          []string `mapstructure:"disk_paths" yaml:"disk_paths"`
	SegmentSize        int    `mapstructure:"segment_size" yaml:"segment_size"`
	SegmentReservedSpace int  `mapstructure:"segment_reserved_space" yaml:"segment_reserved_space"`
	MaxSegments        uint32 `mapstructure:"max_segments" yaml:"max_segments"`
	RingDepth          int    `mapstructure:"ring_depth" yaml:"ring_depth"`
	RestoreOnStartup   bool   `mapstructure:"restore_on_startup" yaml:"restore_on_startup"`
	DeleteFilesOnExit  bool   `mapstructure:"delete_files_on_exit" yaml:"delete_files_on_exit"`
}

// Layout converts the loaded configuration into store.Layout.
func (c StorageConfig) Layout() store.Layout {
	return store.Layout{SegmentSize: c.SegmentSize, ReservedSpace: c.SegmentReservedSpace}
}

// LoadStorageConfig reads a storage configuration document from path
// (any format viper supports by extension; yaml.v3 backs .yaml/.yml).
func LoadStorageConfig(path string) (StorageConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("segment_size", 4096)
	v.SetDefault("segment_reserved_space", 20)
	v.SetDefault("ring_depth", 64)
	if err := v.ReadInConfig(); err != nil {
		return StorageConfig{}, direrror.Wrap("read storage config", err, "path", path)
	}
	var cfg StorageConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return StorageConfig{}, direrror.Wrap("unmarshal storage config", err, "path", path)
	}
	if cfg.NumDisks <= 0 || len(cfg.DiskPaths) != cfg.NumDisks {
		return StorageConfig{}, direrror.Wrap("disk_paths must have num_disks entries", ErrInvalidParameterCombination,
			"numDisks", cfg.NumDisks, "diskPaths", len(cfg.DiskPaths))
	}
	return cfg, nil
}

// PolicyRuleDoc is the on-wire shape of one BPSec policy rule, per
// spec.md §6: `{role, service, securitySource, bundleSource[],
// bundleFinalDestination[], securityTargetBlockTypes[], params{...},
// failureEventSet->{eventType->actionMask[]}}`.
type PolicyRuleDoc struct {
	Role                    string            `mapstructure:"role" yaml:"role"`
	Service                 string            `mapstructure:"service" yaml:"service"`
	SecuritySource          string            `mapstructure:"security_source" yaml:"security_source"`
	BundleSource            []string          `mapstructure:"bundle_source" yaml:"bundle_source"`
	BundleFinalDestination  []string          `mapstructure:"bundle_final_destination" yaml:"bundle_final_destination"`
	SecurityTargetBlockTypes []uint64         `mapstructure:"security_target_block_types" yaml:"security_target_block_types"`
	Params                  PolicyParamsDoc   `mapstructure:"params" yaml:"params"`
	FailureEventSet         map[string][]string `mapstructure:"failure_event_set" yaml:"failure_event_set"`
}

// PolicyParamsDoc is the security-context parameter block of one policy
// rule half (integrity or confidentiality), spec.md §3 "BPSec Policy".
type PolicyParamsDoc struct {
	Variant       string `mapstructure:"variant" yaml:"variant"` // e.g. HMAC_SHA384, A256GCM
	IVSizeBytes   int    `mapstructure:"iv_size_bytes" yaml:"iv_size_bytes"`
	CRCType       uint8  `mapstructure:"crc_type" yaml:"crc_type"`
	ScopeMask     uint8  `mapstructure:"scope_mask" yaml:"scope_mask"`
	KeyHex        string `mapstructure:"key_hex" yaml:"key_hex"`
	KEKHex        string `mapstructure:"kek_hex" yaml:"kek_hex"`
	WrappedKeyHex string `mapstructure:"wrapped_key_hex" yaml:"wrapped_key_hex"` // the DEK, AES-Key-Wrapped under KEKHex
}

// PolicyDocument is the top-level list of rules loaded from a policy
// configuration file.
type PolicyDocument struct {
	Rules []PolicyRuleDoc `mapstructure:"rules" yaml:"rules"`
}

// LoadPolicyDocument reads and parses the raw policy document from path.
// Unlike LoadStorageConfig, the policy document has no per-field defaults
// to apply, so it is read with a plain yaml.Unmarshal over the raw bytes
// rather than through viper, mirroring scion's own
// cs/beaconing/mechanisms/pqa/config.LoadPqaCfgFromYAML (read file,
// yaml.Unmarshal into a plain struct, no viper layer needed). ToRuleInputs
// turns this struct into bpsec.RuleInputs (EID parsing, key decoding), and
// bpsec.LoadFromConfig merges those into policies; BuildPolicyTrie runs
// both steps.
func LoadPolicyDocument(path string) (PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyDocument{}, direrror.Wrap("read policy document", err, "path", path)
	}
	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return PolicyDocument{}, direrror.Wrap("unmarshal policy document", err, "path", path)
	}
	return doc, nil
}

// DecodeHexKey decodes a hex-encoded key material string, per spec.md §6
// "Key file references point to hex-encoded byte strings."
func DecodeHexKey(field, hexStr string) ([]byte, error) {
	if hexStr == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, direrror.Wrap(fmt.Sprintf("decode %s", field), ErrInvalidKeyMaterial, "field", field)
	}
	return b, nil
}

// ToBPSecRole converts a role string ("SOURCE"/"VERIFIER"/"ACCEPTOR") into
// bpsec.Role.
func ToBPSecRole(s string) (bpsec.Role, error) {
	switch s {
	case "SOURCE":
		return bpsec.RoleSource, nil
	case "VERIFIER":
		return bpsec.RoleVerifier, nil
	case "ACCEPTOR":
		return bpsec.RoleAcceptor, nil
	default:
		return 0, direrror.Wrap("unknown role", ErrInvalidParameterCombination, "role", s)
	}
}

// ToBPSecService converts a service string ("INTEGRITY"/"CONFIDENTIALITY")
// into bpsec.Service.
func ToBPSecService(s string) (bpsec.Service, error) {
	switch s {
	case "INTEGRITY":
		return bpsec.ServiceIntegrity, nil
	case "CONFIDENTIALITY":
		return bpsec.ServiceConfidentiality, nil
	default:
		return 0, direrror.Wrap("unknown service", ErrInvalidParameterCombination, "service", s)
	}
}

func parseEIDPatterns(field string, ss []string) ([]bpv.EIDPattern, error) {
	out := make([]bpv.EIDPattern, 0, len(ss))
	for _, s := range ss {
		p, err := bpv.ParseEIDPattern(s)
		if err != nil {
			return nil, direrror.Wrap(fmt.Sprintf("parse %s", field), err, "eid", s)
		}
		out = append(out, p)
	}
	return out, nil
}

// ToRuleInputs converts the on-wire PolicyDocument into the parsed,
// decoupled bpsec.RuleInput shape bpsec.LoadFromConfig consumes: every
// EID resolved to a pattern, every key decoded from hex, every enum
// validated. Kept in this package (rather than bpsec) because bpsec must
// not import internal/config back.
func (doc PolicyDocument) ToRuleInputs() ([]bpsec.RuleInput, error) {
	out := make([]bpsec.RuleInput, 0, len(doc.Rules))
	for i, rule := range doc.Rules {
		role, err := ToBPSecRole(rule.Role)
		if err != nil {
			return nil, direrror.Wrap("rule role", err, "index", i)
		}
		service, err := ToBPSecService(rule.Service)
		if err != nil {
			return nil, direrror.Wrap("rule service", err, "index", i)
		}
		secSrc, err := bpv.ParseEIDPattern(rule.SecuritySource)
		if err != nil {
			return nil, direrror.Wrap("rule security source", err, "index", i)
		}
		bundleSrc, err := parseEIDPatterns("bundle source", rule.BundleSource)
		if err != nil {
			return nil, direrror.Wrap("rule bundle source", err, "index", i)
		}
		bundleDst, err := parseEIDPatterns("bundle final destination", rule.BundleFinalDestination)
		if err != nil {
			return nil, direrror.Wrap("rule bundle final destination", err, "index", i)
		}
		key, err := DecodeHexKey("key_hex", rule.Params.KeyHex)
		if err != nil {
			return nil, direrror.Wrap("rule key material", err, "index", i)
		}
		kek, err := DecodeHexKey("kek_hex", rule.Params.KEKHex)
		if err != nil {
			return nil, direrror.Wrap("rule kek material", err, "index", i)
		}
		wrappedKey, err := DecodeHexKey("wrapped_key_hex", rule.Params.WrappedKeyHex)
		if err != nil {
			return nil, direrror.Wrap("rule wrapped key material", err, "index", i)
		}
		if len(key) != 0 && len(kek) != 0 {
			return nil, direrror.Wrap("rule names both a dek and a kek", ErrInvalidParameterCombination, "index", i)
		}
		if len(kek) != 0 && len(wrappedKey) == 0 {
			return nil, direrror.Wrap("rule names a kek with no wrapped key to unwrap", ErrInvalidParameterCombination, "index", i)
		}
		if len(kek) == 0 && len(wrappedKey) != 0 {
			return nil, direrror.Wrap("rule names a wrapped key with no kek to unwrap it", ErrInvalidParameterCombination, "index", i)
		}

		targets := make([]bpv.BlockTypeCode, len(rule.SecurityTargetBlockTypes))
		for j, t := range rule.SecurityTargetBlockTypes {
			targets[j] = bpv.BlockTypeCode(t)
		}

		events := bpsec.FailureEventSet{}
		for evStr, actions := range rule.FailureEventSet {
			ev, err := bpsec.ParseEventType(evStr)
			if err != nil {
				return nil, direrror.Wrap("rule failure event", err, "index", i)
			}
			mask, err := bpsec.ParseActionMask(actions)
			if err != nil {
				return nil, direrror.Wrap("rule failure action", err, "index", i)
			}
			events[ev] = mask
		}

		out = append(out, bpsec.RuleInput{
			Role:                   role,
			Service:                service,
			SecuritySource:         secSrc,
			BundleSource:           bundleSrc,
			BundleFinalDestination: bundleDst,
			TargetBlockTypes:       targets,
			Variant:                rule.Params.Variant,
			IVSizeBytes:            rule.Params.IVSizeBytes,
			CRCType:                rule.Params.CRCType,
			ScopeMask:              rule.Params.ScopeMask,
			Key:                    key,
			KEK:                    kek,
			WrappedKey:             wrappedKey,
			FailureEvents:          events,
		})
	}
	return out, nil
}

// BuildPolicyTrie parses doc into bpsec.RuleInput values and builds the
// resulting PolicyFilterTrie in one call, the config-facing equivalent of
// original_source's BpSecPolicyManager::LoadFromConfig.
func BuildPolicyTrie(doc PolicyDocument) (*bpsec.PolicyFilterTrie, error) {
	rules, err := doc.ToRuleInputs()
	if err != nil {
		return nil, err
	}
	return bpsec.LoadFromConfig(rules)
}
