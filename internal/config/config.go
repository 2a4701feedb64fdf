// Package config builds and validates the Config record from spec.md §3/§6:
// one flat record assembled from CLI flags, filled out with defaults, then
// overlaid with recognised environment variables, and finally validated
// before it is handed to the core as an already-validated value.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix is the fixed prefix documented in spec.md §6 for recognised
// environment variables.
const EnvPrefix = "ZREPLICATE_"

// Pair is one (src_dataset, dst_dataset) positional argument.
type Pair struct {
	Src string
	Dst string
}

// SkipMissingSnapshots is the --skip-missing-snapshots policy.
type SkipMissingSnapshots string

const (
	SkipMissingSnapshotsFail     SkipMissingSnapshots = "fail"
	SkipMissingSnapshotsDataset  SkipMissingSnapshots = "dataset"
	SkipMissingSnapshotsContinue SkipMissingSnapshots = "continue"
)

// SkipOnError is the --skip-on-error policy.
type SkipOnError string

const (
	SkipOnErrorFail    SkipOnError = "fail"
	SkipOnErrorDataset SkipOnError = "dataset"
	SkipOnErrorTree    SkipOnError = "tree"
)

// DryRunMode is the --dryrun value.
type DryRunMode string

const (
	DryRunNone DryRunMode = ""
	DryRunSend DryRunMode = "send"
	DryRunRecv DryRunMode = "recv"
)

// SyslogSockType is --log-syslog-socktype.
type SyslogSockType string

const (
	SyslogUDP SyslogSockType = "UDP"
	SyslogTCP SyslogSockType = "TCP"
)

// FilterRule mirrors internal/filter.Rule, decoupled so this package
// doesn't need to import filter just to describe CLI input shape.
type FilterRule struct {
	Include bool
	Regex   bool
	Pattern string
}

// SSHEndpoint is one side's --ssh-* surface (spec.md §6).
type SSHEndpoint struct {
	Host          string
	Port          uint16
	User          string
	PrivateKeys   []string
	ConfigFile    string
	ExtraOpts     []string
}

// Config is the assembled, validated configuration record (spec.md §3).
type Config struct {
	Pairs []Pair

	Recursive  bool
	SkipParent bool

	DatasetRules    []FilterRule
	SnapshotRules   []FilterRule
	ExcludeDatasetProperty []string

	SkipMissingSnapshots SkipMissingSnapshots `validate:"omitempty,oneof=fail dataset continue" default:"fail"`
	SkipOnError          SkipOnError          `validate:"omitempty,oneof=fail dataset tree" default:"fail"`

	Force         bool
	ForceOnce     bool
	ForceUnmount  bool
	F1            bool

	NoCreateBookmark bool
	NoUseBookmark    bool

	DeleteMissingSnapshots bool
	DeleteMissingDatasets  bool
	SkipReplication        bool

	DryRun DryRunMode `validate:"omitempty,oneof=send recv"`

	Retries int `validate:"gte=0" default:"0"`

	SSHSrc        SSHEndpoint
	SSHDst        SSHEndpoint
	SSHProgram    string `default:"ssh"`
	SSHCipher     string

	ZFSProgram            string `default:"zfs"`
	ZpoolProgram          string `default:"zpool"`
	CompressionProgram    string `default:"-"`
	MbufferProgram        string `default:"-"`
	PVProgram             string `default:"-"`
	ShellProgram          string `default:"sh"`
	SudoProgram           string `default:"sudo"`

	ZFSSendProgramOpts []string
	ZFSRecvProgramOpts []string
	ZFSRecvProgramOpt  []string

	ZFSRecvOIncludeRegex []string
	ZFSRecvOExcludeRegex []string
	ZFSRecvXIncludeRegex []string
	ZFSRecvXExcludeRegex []string
	ZFSRecvOTargets      []string
	ZFSRecvOSources      []string
	ZFSRecvXTargets      []string
	ZFSSetIncludeRegex   []string

	BWLimit int64 `validate:"gte=0"`

	NoPrivilegeElevation bool

	LogSyslogAddress  string
	LogSyslogSockType SyslogSockType `validate:"omitempty,oneof=UDP TCP" default:"UDP"`
	LogSyslogFacility string
	LogSyslogLevel    string
	LogSyslogPrefix   string `default:"zreplicate"`
	LogConfigFile     string
	LogConfigVars     map[string]string
	Verbose           int  `validate:"gte=0"`
	Quiet             bool

	ExcludeEnvvarRegex string

	// MinPayloadBytes is the pipeline's minimum-payload threshold
	// (spec.md §4.3) -- the only env tuning knob spec.md §6 documents.
	MinPayloadBytes int64 `env:"MIN_PAYLOAD_BYTES" default:"1048576" validate:"gte=0"`

	Concurrency int `validate:"gte=1" default:"1"`

	BackoffBase time.Duration `default:"1s"`
	BackoffMax  time.Duration `default:"30s"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load fills cfg's zero-valued fields with defaults, overlays recognised
// ZREPLICATE_-prefixed environment variables, and validates the result. cfg
// is expected to already carry whatever the CLI flags set explicitly.
func Load(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("config: apply defaults: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: read environment: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := validateSemantics(cfg); err != nil {
		return err
	}
	return nil
}

// validateSemantics checks the cross-field invariants struct tags can't
// express (spec.md §6/§9).
func validateSemantics(cfg *Config) error {
	if len(cfg.Pairs) == 0 {
		return fmt.Errorf("config: at least one (src, dst) pair is required")
	}
	if cfg.Quiet && cfg.Verbose > 0 {
		return fmt.Errorf("config: --quiet and --verbose are mutually exclusive")
	}
	if cfg.DeleteMissingSnapshots || cfg.DeleteMissingDatasets {
		// allowed standalone or alongside replication; nothing further to check
	}
	return nil
}
