package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// CommandMeta describes one allowlisted primary command.
type CommandMeta struct {
	Description string `yaml:"description"`

	// SubcommandChecked marks commands whose second token must also pass a
	// dedicated allowlist. Currently only git.
	SubcommandChecked bool `yaml:"subcommandChecked"`
}

// Tables holds the process-wide policy. Loaded once at startup, read-only
// afterwards; Validate never mutates it.
type Tables struct {
	Allowlist           map[string]CommandMeta
	AbsoluteBlocklist   map[string]struct{}
	BlockedOperators    []string
	BlockedPathPatterns []string
	AllowedGitSubs      map[string]struct{}

	MaxCommandLength int

	dangerous []*regexp.Regexp
}

// tablesFile is the YAML shape for overriding the compiled-in defaults.
// Any list left empty keeps its default.
type tablesFile struct {
	Allowlist           map[string]CommandMeta `yaml:"allowlist"`
	AbsoluteBlocklist   []string               `yaml:"absoluteBlocklist"`
	BlockedOperators    []string               `yaml:"blockedOperators"`
	BlockedPathPatterns []string               `yaml:"blockedPathPatterns"`
	AllowedGitSubs      []string               `yaml:"allowedGitSubcommands"`
	MaxCommandLength    int                    `yaml:"maxCommandLength"`
}

// Dangerous shapes checked after the allowlist: bare $VAR expansion, control
// characters, and the classic fork-bomb definition. Everything below 0x20
// except tab is rejected; newline and carriage return in particular are
// command separators to sh -c and would chain a second command past the
// allowlist.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$[A-Za-z_]`),
	regexp.MustCompile(`[\x00-\x08\x0a-\x1f]`),
	regexp.MustCompile(`:\s*\(\s*\)\s*\{`),
}

// Default policy. The original panel shipped contradictory allowlists across
// transports (one blocked rm/cp/mv/curl/wget outright, another allowed them
// over SSH); the strict variant is canonical here: destructive and
// network-fetch commands are absolutely blocked, creation commands stay.
func Default() *Tables {
	return &Tables{
		MaxCommandLength: 1000,
		Allowlist: map[string]CommandMeta{
			"npm":      {Description: "node package manager"},
			"npx":      {Description: "node package runner"},
			"yarn":     {Description: "node package manager"},
			"pnpm":     {Description: "node package manager"},
			"node":     {Description: "node interpreter"},
			"composer": {Description: "php package manager"},
			"php":      {Description: "php interpreter"},
			"python":   {Description: "python interpreter"},
			"python3":  {Description: "python interpreter"},
			"pip":      {Description: "python package manager"},
			"pip3":     {Description: "python package manager"},
			"git":      {Description: "version control", SubcommandChecked: true},
			"cd":       {Description: "change directory"},
			"ls":       {Description: "list directory"},
			"pwd":      {Description: "print working directory"},
			"whoami":   {Description: "current user"},
			"date":     {Description: "current time"},
			"echo":     {Description: "print arguments"},
			"cat":      {Description: "print file"},
			"head":     {Description: "print file head"},
			"tail":     {Description: "print file tail"},
			"wc":       {Description: "count lines and bytes"},
			"grep":     {Description: "search file contents"},
			"du":       {Description: "disk usage"},
			"mkdir":    {Description: "create directory"},
			"touch":    {Description: "create file"},
			"clear":    {Description: "clear terminal"},
		},
		AbsoluteBlocklist: toSet([]string{
			"rm", "cp", "mv", "curl", "wget",
			"sudo", "su", "chmod", "chown", "chgrp",
			"bash", "sh", "zsh", "dash", "exec", "eval", "source",
			"ssh", "scp", "sftp", "rsync", "nc", "ncat", "netcat", "telnet",
			"kill", "pkill", "killall", "reboot", "shutdown", "halt",
			"dd", "mkfs", "fdisk", "mount", "umount",
			"apt", "apt-get", "yum", "dnf", "apk", "pacman",
			"crontab", "systemctl", "service", "docker", "podman",
		}),
		BlockedOperators: []string{
			";", "&&", "||", "|", ">>", ">", "<", "2>", "&>", "`", "$(", "${",
		},
		BlockedPathPatterns: []string{
			"/etc/", "/proc/", "/sys/", "/dev/", "/boot/", "/root/",
			"/var/run/", "/var/lib/", "/usr/bin/", "/bin/", "/sbin/",
			"id_rsa", "authorized_keys", "known_hosts",
		},
		AllowedGitSubs: toSet([]string{
			"status", "log", "diff", "show", "add", "commit",
			"push", "pull", "fetch", "clone", "checkout", "switch",
			"branch", "merge", "stash", "remote", "tag", "rev-parse",
		}),
		dangerous: dangerousPatterns,
	}
}

// Load returns the default tables overridden by a YAML policy file.
func Load(path string) (*Tables, error) {
	tables := Default()
	if path == "" {
		return tables, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var file tablesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	if len(file.Allowlist) > 0 {
		tables.Allowlist = file.Allowlist
	}
	if len(file.AbsoluteBlocklist) > 0 {
		tables.AbsoluteBlocklist = toSet(file.AbsoluteBlocklist)
	}
	if len(file.BlockedOperators) > 0 {
		tables.BlockedOperators = file.BlockedOperators
	}
	if len(file.BlockedPathPatterns) > 0 {
		tables.BlockedPathPatterns = file.BlockedPathPatterns
	}
	if len(file.AllowedGitSubs) > 0 {
		tables.AllowedGitSubs = toSet(file.AllowedGitSubs)
	}
	if file.MaxCommandLength > 0 {
		tables.MaxCommandLength = file.MaxCommandLength
	}
	return tables, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
