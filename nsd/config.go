package nsd

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, assembled from CLI flags (pflag)
// layered over a YAML file (viper + a manual yaml.Node walk for the
// repeated zone:/pattern: blocks viper's generic map unmarshal flattens
// away), per SPEC_FULL.md's [AMBIENT] Configuration section.
type Config struct {
	Server   ServerConf            `yaml:"server" validate:"required"`
	Keys     []KeyConf             `yaml:"key"`
	Patterns map[string]PatternConf `yaml:"-"`
	Zones    []ZoneConf            `yaml:"-"`
}

// ServerConf is spec §6.3's CLI-flag surface plus the server: yaml block.
type ServerConf struct {
	ConfigFile string `yaml:"-"`
	Foreground bool   `yaml:"-"`
	DBFile     string `yaml:"database" validate:"required"`
	Port       int    `yaml:"port" validate:"required,min=1,max=65535"`
	PidFile    string `yaml:"pidfile"`
	Username   string `yaml:"username"`
	ChrootDir  string `yaml:"chroot"`
	Verbosity  int    `yaml:"verbosity" validate:"min=0,max=5"`
	LogFile    string `yaml:"logfile"`
	TCPTimeout int    `yaml:"tcp-timeout" validate:"min=1"`

	RRLRatelimit int `yaml:"rrl-ratelimit" validate:"min=0"`
	RRLSlip      int `yaml:"rrl-slip" validate:"min=0"`
	RRLSize      int `yaml:"rrl-size" validate:"min=0"`

	StatusAddr string `yaml:"status-addr"` // empty disables the read-only HTTP status endpoint
}

// KeyConf is a TSIG key definition (spec §6.4 key: block, §4.L).
type KeyConf struct {
	Name      string `yaml:"name" validate:"required"`
	Algorithm string `yaml:"algorithm" validate:"required"`
	Secret    string `yaml:"secret" validate:"required"`
}

// PatternConf is a named bundle of zone options reusable across zone: blocks.
type PatternConf struct {
	Name              string   `yaml:"name"`
	RequestXFR        []string `yaml:"request-xfr"`
	ProvideXFR        []string `yaml:"provide-xfr"`
	Notify            []string `yaml:"notify"`
	AllowNotify       []string `yaml:"allow-notify"`
	AllowAXFRFallback bool     `yaml:"allow-axfr-fallback"`
	MultiPrimaryCheck bool     `yaml:"multi-primary-check"`
	Catalog           string   `yaml:"catalog" validate:"omitempty,oneof=consumer producer none"`
	CatalogProducerZone string `yaml:"catalog-producer-zone"`
	CatalogMemberPattern string `yaml:"catalog-member-pattern"`
	RRLWhitelist      []string `yaml:"rrl-whitelist"`
	Verifier          string   `yaml:"verifier"`
	VerifierTimeout   int      `yaml:"verifier-timeout"`
	ZonefileTemplate  string   `yaml:"zonefile"`
}

// ZoneConf is one zone: block.
type ZoneConf struct {
	Name    string `yaml:"name" validate:"required"`
	Pattern string `yaml:"pattern"`
	PatternConf `yaml:",inline"`
}

var validate = validator.New()

// ParseFlags parses spec §6.3's CLI flags into ServerConf, matching the
// teacher's own pflag-based parseoptions.go entrypoint.
func ParseFlags(args []string) (*ServerConf, error) {
	fs := pflag.NewFlagSet("nsdd", pflag.ContinueOnError)
	sc := &ServerConf{}
	fs.StringVarP(&sc.ConfigFile, "config", "c", "/etc/nsd/nsd.conf", "configuration file")
	fs.BoolVarP(&sc.Foreground, "foreground", "d", false, "run in foreground")
	fs.StringVarP(&sc.DBFile, "dbfile", "f", "", "database file")
	fs.IntVarP(&sc.Port, "port", "p", 53, "port to listen on")
	fs.StringVarP(&sc.PidFile, "pidfile", "P", "/var/run/nsdd.pid", "pid file")
	fs.StringVarP(&sc.Username, "user", "u", "", "run as user")
	fs.StringVarP(&sc.ChrootDir, "chroot", "t", "", "chroot directory")
	fs.IntVarP(&sc.Verbosity, "verbosity", "V", 1, "verbosity level")
	fs.StringVarP(&sc.LogFile, "logfile", "l", "", "log file (default: stderr only)")
	version := fs.BoolP("version", "v", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *version {
		fmt.Println("nsdd (nsdgo)")
		os.Exit(0)
	}
	return sc, nil
}

// LoadConfig reads the YAML config file per spec §6.4, using viper for the
// scalar server:/key: sections and a manual yaml.Node walk for the repeated
// pattern:/zone: blocks, mirroring the teacher's two-pass parseconfig.go.
func LoadConfig(path string, flags *ServerConf) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, &ParseError{Kind: "config file: " + err.Error()}
	}

	cfg := &Config{Patterns: make(map[string]PatternConf)}
	if err := v.UnmarshalKey("server", &cfg.Server); err != nil {
		return nil, &ParseError{Kind: "server block: " + err.Error()}
	}
	if err := v.UnmarshalKey("key", &cfg.Keys); err != nil {
		return nil, &ParseError{Kind: "key blocks: " + err.Error()}
	}
	applyFlagOverrides(&cfg.Server, flags)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Kind: err.Error()}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Kind: "yaml parse: " + err.Error()}
	}
	if err := walkRepeatedBlocks(&doc, cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, &ParseError{Kind: "validation: " + err.Error()}
	}
	return cfg, nil
}

func applyFlagOverrides(sc *ServerConf, flags *ServerConf) {
	if flags == nil {
		return
	}
	if flags.DBFile != "" {
		sc.DBFile = flags.DBFile
	}
	if flags.Port != 0 {
		sc.Port = flags.Port
	}
	if flags.PidFile != "" {
		sc.PidFile = flags.PidFile
	}
	if flags.Verbosity != 0 {
		sc.Verbosity = flags.Verbosity
	}
}

// walkRepeatedBlocks extracts repeated "pattern" and "zone" mapping-entries
// that a plain viper.Unmarshal would otherwise collapse to the last one seen,
// exactly the problem the teacher's parseconfig.go works around with a raw
// yaml.Node walk instead of a generic struct unmarshal.
func walkRepeatedBlocks(doc *yaml.Node, cfg *Config) error {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val := root.Content[i+1]
		switch key {
		case "pattern":
			var p PatternConf
			if err := val.Decode(&p); err != nil {
				return &ParseError{Kind: "pattern block: " + err.Error()}
			}
			cfg.Patterns[p.Name] = p
		case "zone":
			var z ZoneConf
			if err := val.Decode(&z); err != nil {
				return &ParseError{Kind: "zone block: " + err.Error()}
			}
			cfg.Zones = append(cfg.Zones, z)
		}
	}
	return nil
}

// ResolveZone merges a zone's own config with the named pattern it refers
// to, pattern fields being the default and zone fields taking precedence.
func (c *Config) ResolveZone(z ZoneConf) PatternConf {
	merged := c.Patterns[z.Pattern]
	if z.ZonefileTemplate != "" {
		merged.ZonefileTemplate = z.ZonefileTemplate
	}
	if z.Catalog != "" {
		merged.Catalog = z.Catalog
	}
	if len(z.RequestXFR) > 0 {
		merged.RequestXFR = z.RequestXFR
	}
	if len(z.ProvideXFR) > 0 {
		merged.ProvideXFR = z.ProvideXFR
	}
	if len(z.Notify) > 0 {
		merged.Notify = z.Notify
	}
	if len(z.AllowNotify) > 0 {
		merged.AllowNotify = z.AllowNotify
	}
	if z.AllowAXFRFallback {
		merged.AllowAXFRFallback = true
	}
	if z.MultiPrimaryCheck {
		merged.MultiPrimaryCheck = true
	}
	if z.CatalogProducerZone != "" {
		merged.CatalogProducerZone = z.CatalogProducerZone
	}
	if z.CatalogMemberPattern != "" {
		merged.CatalogMemberPattern = z.CatalogMemberPattern
	}
	if len(z.RRLWhitelist) > 0 {
		merged.RRLWhitelist = z.RRLWhitelist
	}
	if z.Verifier != "" {
		merged.Verifier = z.Verifier
	}
	if z.VerifierTimeout != 0 {
		merged.VerifierTimeout = z.VerifierTimeout
	}
	return merged
}
