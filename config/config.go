// Package config holds the msync.conf configuration file format and its
// validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/mailsync/msync/mlog"
	"github.com/mailsync/msync/synccrc"
)

// Config is a parsed msync.conf.
type Config struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where state is stored: the change log, the folder state database and staging directories. If this is a relative path, it is relative to the directory of msync.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. dlist, synclog, reserve)."`

	SyncLog struct {
		Enabled  bool     `sconf-doc:"Whether mailbox changes are recorded in the change log at all."`
		Channels []string `sconf:"optional" sconf-doc:"Replication channels, each with its own independent change log under <DataDir>/sync/<channel>/log. Without channels a single log is kept at <DataDir>/sync/log."`
	} `sconf:"optional" sconf-doc:"Durable change log configuration. Absent means no change log is written."`

	Partitions map[string]string `sconf-doc:"Message spool partitions, partition name to root directory. Transferred message content is staged under <root>/sync./<pid>/ before being installed."`

	Digest struct {
		Algorithm string `sconf:"optional" sconf-doc:"Digest algorithm, CRC32 or CRC32M. Default CRC32."`
		Covers    string `sconf:"optional" sconf-doc:"Digest coverage, a space or comma separated combination of BASIC, ANNOTATIONS and CID. Default BASIC."`
	} `sconf:"optional" sconf-doc:"Folder consistency digest configuration. Both sides of a replication pair negotiate down to the strongest mutually supported values."`
}

// Load reads and validates the configuration at path and applies the log
// level settings. Relative DataDir is resolved against the directory of path.
func Load(path string) (Config, error) {
	var c Config
	if err := sconf.ParseFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %v", path, err)
	}

	logLevels := map[string]mlog.Level{}
	level, ok := mlog.Levels[c.LogLevel]
	if !ok {
		return Config{}, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	logLevels[""] = level
	for pkg, s := range c.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return Config{}, fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		logLevels[pkg] = level
	}

	if len(c.Partitions) == 0 {
		return Config{}, fmt.Errorf("at least one partition must be configured")
	}
	for name, dir := range c.Partitions {
		if name == "" || dir == "" {
			return Config{}, fmt.Errorf("partition name and directory must be non-empty")
		}
	}

	if c.DataDir == "" {
		return Config{}, fmt.Errorf("DataDir must be set")
	}
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(path), c.DataDir)
	}

	// Unknown algorithm or coverage tokens fall back with a warning, the same
	// negotiation behaviour as for a peer that offers something unknown.
	if c.Digest.Algorithm == "" {
		c.Digest.Algorithm = "CRC32"
	}
	if c.Digest.Covers == "" {
		c.Digest.Covers = "BASIC"
	}
	synccrc.ParseAlgorithm(c.Digest.Algorithm)
	synccrc.ParseCovers(c.Digest.Covers)

	mlog.SetConfig(logLevels)
	return c, nil
}

// Describe writes an annotated example configuration file.
func Describe(w io.Writer) error {
	c := Config{
		DataDir:          "data",
		LogLevel:         "info",
		PackageLogLevels: map[string]string{"dlist": "debug"},
		Partitions: map[string]string{
			"default": "/var/spool/msync/default",
		},
	}
	c.SyncLog.Enabled = true
	c.SyncLog.Channels = []string{"replica1"}
	c.Digest.Algorithm = "CRC32"
	c.Digest.Covers = "BASIC ANNOTATIONS"
	return sconf.Describe(w, &c)
}

// WriteExample writes the example configuration to path, failing if the file
// already exists.
func WriteExample(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}
	if err := Describe(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
