package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// enumValue implements pflag.Value for a flag restricted to a fixed set of
// string values, rejecting anything else at parse time rather than at
// validate.Struct time.
type enumValue struct {
	target  *string
	allowed []string
}

func (e *enumValue) String() string { return *e.target }
func (e *enumValue) Type() string   { return "string" }
func (e *enumValue) Set(s string) error {
	for _, a := range e.allowed {
		if s == a {
			*e.target = s
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(e.allowed, ", "))
}

var _ pflag.Value = (*enumValue)(nil)

// RegisterFlags binds cfg's fields onto cmd's flag set, following the
// teacher's cobra/pflag CLI stack. Positional (src, dst) pairs are parsed
// separately by ParsePairs since pflag only handles --flags.
func RegisterFlags(cmd *cobra.Command, cfg *Config) {
	fs := cmd.Flags()

	fs.BoolVar(&cfg.Recursive, "recursive", false, "include all descendants of each root")
	fs.BoolVar(&cfg.SkipParent, "skip-parent", false, "process only descendants, not the root itself")

	var includeDataset, excludeDataset, includeDatasetRegex, excludeDatasetRegex []string
	fs.StringArrayVar(&includeDataset, "include-dataset", nil, "dataset filter: literal include")
	fs.StringArrayVar(&excludeDataset, "exclude-dataset", nil, "dataset filter: literal exclude")
	fs.StringArrayVar(&includeDatasetRegex, "include-dataset-regex", nil, "dataset filter: regex include")
	fs.StringArrayVar(&excludeDatasetRegex, "exclude-dataset-regex", nil, "dataset filter: regex exclude")
	fs.StringArrayVar(&cfg.ExcludeDatasetProperty, "exclude-dataset-property", nil, "dataset filter: exclude by property NAME")

	var includeSnapRegex, excludeSnapRegex []string
	fs.StringArrayVar(&includeSnapRegex, "include-snapshot-regex", nil, "snapshot filter: regex include")
	fs.StringArrayVar(&excludeSnapRegex, "exclude-snapshot-regex", nil, "snapshot filter: regex exclude")

	cfg.SkipMissingSnapshots = SkipMissingSnapshotsFail
	fs.Var(&enumValue{(*string)(&cfg.SkipMissingSnapshots), []string{"fail", "dataset", "continue"}},
		"skip-missing-snapshots", "{fail,dataset,continue}")
	cfg.SkipOnError = SkipOnErrorFail
	fs.Var(&enumValue{(*string)(&cfg.SkipOnError), []string{"fail", "dataset", "tree"}},
		"skip-on-error", "{fail,dataset,tree}")

	fs.BoolVar(&cfg.Force, "force", false, "rollback destination every run if diverged")
	fs.BoolVar(&cfg.ForceOnce, "force-once", false, "rollback destination for this run only")
	fs.BoolVar(&cfg.ForceUnmount, "force-unmount", false, "force-unmount before rollback/destroy")
	fs.BoolVar(&cfg.F1, "f1", false, "send one exclusive incremental step per snapshot instead of inclusive runs; does not roll back or wipe the destination")

	fs.BoolVar(&cfg.NoCreateBookmark, "no-create-bookmark", false, "disable bookmark creation")
	fs.BoolVar(&cfg.NoUseBookmark, "no-use-bookmark", false, "disable bookmark consumption")

	fs.BoolVar(&cfg.DeleteMissingSnapshots, "delete-missing-snapshots", false, "prune destination snapshots absent from source")
	fs.BoolVar(&cfg.DeleteMissingDatasets, "delete-missing-datasets", false, "prune destination datasets absent from source")
	fs.BoolVar(&cfg.SkipReplication, "skip-replication", false, "run reconciliation modes only")

	fs.Var(&enumValue{(*string)(&cfg.DryRun), []string{"", "send", "recv"}}, "dryrun", "{send,recv}")

	fs.IntVar(&cfg.Retries, "retries", 0, "per-step maximum retries")

	fs.StringVar(&cfg.SSHSrc.Host, "ssh-src-host", "", "source SSH host")
	fs.StringVar(&cfg.SSHDst.Host, "ssh-dst-host", "", "destination SSH host")
	fs.Uint16Var(&cfg.SSHSrc.Port, "ssh-src-port", 0, "source SSH port")
	fs.Uint16Var(&cfg.SSHDst.Port, "ssh-dst-port", 0, "destination SSH port")
	fs.StringVar(&cfg.SSHSrc.User, "ssh-src-user", "", "source SSH user")
	fs.StringArrayVar(&cfg.SSHSrc.PrivateKeys, "ssh-src-private-key", nil, "source SSH identity file (repeatable)")
	fs.StringVar(&cfg.SSHSrc.ConfigFile, "ssh-src-config-file", "", "source ssh_config file")
	fs.StringVar(&cfg.SSHDst.ConfigFile, "ssh-dst-config-file", "", "destination ssh_config file")
	fs.StringArrayVar(&cfg.SSHSrc.ExtraOpts, "ssh-src-extra-opt", nil, "extra ssh(1) option for source (repeatable)")
	fs.StringArrayVar(&cfg.SSHDst.ExtraOpts, "ssh-dst-extra-opt", nil, "extra ssh(1) option for destination (repeatable)")
	fs.StringVar(&cfg.SSHProgram, "ssh-program", "ssh", "ssh(1) binary; '-' disables")
	fs.StringVar(&cfg.SSHCipher, "ssh-cipher", "", "ssh(1) cipher spec")

	fs.StringVar(&cfg.ZFSProgram, "zfs-program", "zfs", "zfs(8) binary; '-' disables")
	fs.StringVar(&cfg.ZpoolProgram, "zpool-program", "zpool", "zpool(8) binary; '-' disables")
	fs.StringVar(&cfg.CompressionProgram, "compression-program", "-", "compression program; '-' disables")
	fs.StringVar(&cfg.MbufferProgram, "mbuffer-program", "-", "mbuffer(1) program; '-' disables")
	fs.StringVar(&cfg.PVProgram, "pv-program", "-", "pv(1) program; '-' disables")
	fs.StringVar(&cfg.ShellProgram, "shell-program", "sh", "remote shell binary")
	fs.StringVar(&cfg.SudoProgram, "sudo-program", "sudo", "privilege elevation binary; '-' disables")

	fs.StringArrayVar(&cfg.ZFSSendProgramOpts, "zfs-send-program-opts", nil, "raw zfs send options")
	fs.StringArrayVar(&cfg.ZFSRecvProgramOpts, "zfs-recv-program-opts", nil, "raw zfs recv options")
	fs.StringArrayVar(&cfg.ZFSRecvProgramOpt, "zfs-recv-program-opt", nil, "raw zfs recv option (repeatable)")

	fs.StringArrayVar(&cfg.ZFSRecvOIncludeRegex, "zfs-recv-o-include-regex", nil, "-o property include regex")
	fs.StringArrayVar(&cfg.ZFSRecvOExcludeRegex, "zfs-recv-o-exclude-regex", nil, "-o property exclude regex")
	fs.StringArrayVar(&cfg.ZFSRecvXIncludeRegex, "zfs-recv-x-include-regex", nil, "-x property include regex")
	fs.StringArrayVar(&cfg.ZFSRecvXExcludeRegex, "zfs-recv-x-exclude-regex", nil, "-x property exclude regex")
	fs.StringArrayVar(&cfg.ZFSRecvOTargets, "zfs-recv-o-targets", nil, "-o targets {full,incremental}")
	fs.StringArrayVar(&cfg.ZFSRecvOSources, "zfs-recv-o-sources", nil, "-o property value sources")
	fs.StringArrayVar(&cfg.ZFSRecvXTargets, "zfs-recv-x-targets", nil, "-x targets {full,incremental}")
	fs.StringArrayVar(&cfg.ZFSSetIncludeRegex, "zfs-set-include-regex", nil, "post-receive zfs set include regex")

	fs.Int64Var(&cfg.BWLimit, "bwlimit", 0, "transport bandwidth cap in bytes/sec (0 = unlimited)")
	fs.BoolVar(&cfg.NoPrivilegeElevation, "no-privilege-elevation", false, "skip the elevation tool")

	fs.StringVar(&cfg.LogSyslogAddress, "log-syslog-address", "", "syslog address")
	cfg.LogSyslogSockType = SyslogUDP
	fs.Var(&enumValue{(*string)(&cfg.LogSyslogSockType), []string{"UDP", "TCP"}}, "log-syslog-socktype", "{UDP,TCP}")
	fs.StringVar(&cfg.LogSyslogFacility, "log-syslog-facility", "", "syslog facility")
	fs.StringVar(&cfg.LogSyslogLevel, "log-syslog-level", "", "syslog minimum level")
	fs.StringVar(&cfg.LogSyslogPrefix, "log-syslog-prefix", "zreplicate", "syslog tag prefix")
	fs.StringVar(&cfg.LogConfigFile, "log-config-file", "", "JSON log config, or +path to load from file")
	var logConfigVars []string
	fs.StringArrayVar(&logConfigVars, "log-config-var", nil, "NAME:VALUE (repeatable)")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	fs.BoolVar(&cfg.Quiet, "quiet", false, "suppress non-error output")

	fs.StringVar(&cfg.ExcludeEnvvarRegex, "exclude-envvar-regex", "", "sanitise matching env vars before remote shell invocations")

	fs.IntVar(&cfg.Concurrency, "concurrency", 1, "bounded cross-subtree concurrency (scheduler)")

	cobra.OnInitialize(func() {
		cfg.DatasetRules = mergeDatasetRules(includeDataset, excludeDataset, includeDatasetRegex, excludeDatasetRegex)
		cfg.SnapshotRules = mergeSnapshotRules(includeSnapRegex, excludeSnapRegex)
		cfg.LogConfigVars = parseLogConfigVars(logConfigVars)
	})
}

// mergeDatasetRules orders literal before regex rules of the same
// include/exclude kind, preserving CLI argument order within each kind --
// --include-dataset-regex/--exclude-dataset-regex follow the literal
// variants so "last match wins" (spec.md §4.1) favours the more specific
// regex rules the user layered on afterward.
func mergeDatasetRules(incLit, excLit, incRe, excRe []string) []FilterRule {
	var rules []FilterRule
	for _, p := range excLit {
		rules = append(rules, FilterRule{Include: false, Pattern: p})
	}
	for _, p := range incLit {
		rules = append(rules, FilterRule{Include: true, Pattern: p})
	}
	for _, p := range excRe {
		rules = append(rules, FilterRule{Include: false, Regex: true, Pattern: p})
	}
	for _, p := range incRe {
		rules = append(rules, FilterRule{Include: true, Regex: true, Pattern: p})
	}
	return rules
}

func mergeSnapshotRules(incRe, excRe []string) []FilterRule {
	var rules []FilterRule
	for _, p := range excRe {
		rules = append(rules, FilterRule{Include: false, Regex: true, Pattern: p})
	}
	for _, p := range incRe {
		rules = append(rules, FilterRule{Include: true, Regex: true, Pattern: p})
	}
	return rules
}

func parseLogConfigVars(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	vars := make(map[string]string, len(entries))
	for _, e := range entries {
		name, val, ok := strings.Cut(e, ":")
		if !ok {
			continue
		}
		vars[name] = val
	}
	return vars
}

// ParsePairs parses positional arguments into (src, dst) pairs, per
// spec.md §6: either literal "src dst" pairs taken two at a time, or a
// single "+path" reference whose lines are tab-separated pairs, comments
// ("#") and whitespace-only lines skipped.
func ParsePairs(args []string) ([]Pair, error) {
	if len(args) == 1 && strings.HasPrefix(args[0], "+") {
		return parsePairsFile(args[0][1:])
	}
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("config: positional arguments must be (src, dst) pairs, got %d", len(args))
	}
	pairs := make([]Pair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, Pair{Src: args[i], Dst: args[i+1]})
	}
	return pairs, nil
}

func parsePairsFile(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open pairs file %q: %w", path, err)
	}
	defer f.Close()

	var pairs []Pair
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("config: pairs file %q: malformed line %q", path, line)
		}
		pairs = append(pairs, Pair{Src: fields[0], Dst: fields[1]})
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("config: read pairs file %q: %w", path, err)
	}
	return pairs, nil
}
