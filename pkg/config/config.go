package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mget "github.com/replicate/mget/pkg"
	"github.com/replicate/mget/pkg/checksum"
	"github.com/replicate/mget/pkg/client"
	"github.com/replicate/mget/pkg/download"
	"github.com/replicate/mget/pkg/logging"
	"github.com/replicate/mget/pkg/metrics"
	"github.com/replicate/mget/pkg/mirror"
	"github.com/replicate/mget/pkg/optname"
	"github.com/replicate/mget/pkg/verify"
)

// MirrorOption is one parsed --mirror value.
type MirrorOption struct {
	Host  string
	Grant mirror.Grant
}

func AddRootPersistentFlags(cmd *cobra.Command) error {
	// Persistent Flags (applies to all commands/subcommands)
	cmd.PersistentFlags().IntP(optname.Attempts, "r", mget.DefaultMaxAttempts, "Number of download attempts before giving up")
	cmd.PersistentFlags().Duration(optname.StallTimeout, download.DefaultStallTimeout, "Abort an attempt when the file has not grown for this long, format is <number><unit>, e.g. 30s")
	cmd.PersistentFlags().Duration(optname.ConnTimeout, 5*time.Second, "Timeout for establishing a connection, format is <number><unit>, e.g. 10s")
	cmd.PersistentFlags().Int(optname.ProbeRetries, 2, "Number of retries when probing for a checksum")
	cmd.PersistentFlags().String(optname.Cache, "", "Cache path that receives a copy of the verified file and is reused when still valid")
	cmd.PersistentFlags().String(optname.Checksum, "", "Expected MD5 of the file, skips checksum discovery")
	cmd.PersistentFlags().StringArray(optname.Mirror, []string{}, "Secure mirror as <host>=<token>[@<download-host>,...] (repeatable)")
	cmd.PersistentFlags().String(optname.ClientID, "", "Client identifier sent to secure mirrors (default: random UUID)")
	cmd.PersistentFlags().String(optname.User, "", "User name tokens are requested for")
	cmd.PersistentFlags().BoolP(optname.Force, "f", false, "Force download, overwriting existing file")
	cmd.PersistentFlags().BoolP(optname.Verbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().String(optname.LoggingLevel, "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().Bool(optname.NoProgress, false, "Do not draw a progress bar")
	cmd.PersistentFlags().String(optname.EnvFile, "", "Load MGET_* settings from a dotenv file")
	cmd.PersistentFlags().String(optname.MetricsTextfile, "", "Write Prometheus metrics to this file on exit")
	cmd.PersistentFlags().String(optname.LockFile, "", "Hold an exclusive lock on this file while running")
	cmd.PersistentFlags().StringSlice(optname.Resolve, []string{}, "Resolve hostnames to specific IPs, format is <hostname>:<port>:<ip>")

	viper.SetEnvPrefix("MGET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind persistent flags: %w", err)
	}

	// Hidden, for tuning against flaky links only
	if err := cmd.PersistentFlags().MarkHidden(optname.ProbeRetries); err != nil {
		return fmt.Errorf("failed to hide flag %s: %w", optname.ProbeRetries, err)
	}
	return nil
}

func PersistentStartupProcessFlags() error {
	if envFile := viper.GetString(optname.EnvFile); envFile != "" {
		// Values already in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	if viper.GetBool(optname.Verbose) {
		viper.Set(optname.LoggingLevel, "debug")
	}
	logging.SetLevel(viper.GetString(optname.LoggingLevel))

	if checksum := viper.GetString(optname.Checksum); checksum != "" {
		if _, err := verify.ParseChecksum(checksum); err != nil {
			return fmt.Errorf("invalid --%s: %w", optname.Checksum, err)
		}
	}
	mirrors, err := Mirrors()
	if err != nil {
		return err
	}
	resolveOverrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return err
	}
	logger := logging.GetLogger()
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		for _, m := range mirrors {
			logger.Debug().Str("host", m.Host).Strs("download_hosts", m.Grant.Hosts).Msg("Config")
		}
		for key, elem := range resolveOverrides {
			logger.Debug().Str("host_port", key).Str("resolve_target", elem).Msg("Config")
		}
	}
	return nil
}

// ResolveOverridesToMap parses --resolve values of the form hostname:port:ip into a host:port to ip:port map.
// Repeating an identical value is allowed; mapping the same host:port to two targets is not.
func ResolveOverridesToMap(resolveHosts []string) (map[string]string, error) {
	if len(resolveHosts) == 0 {
		return nil, nil
	}
	resolveOverrides := make(map[string]string)
	for _, resolveHost := range resolveHosts {
		split := strings.SplitN(resolveHost, ":", 3)
		if len(split) != 3 {
			return nil, fmt.Errorf("invalid resolve host format, expected <hostname>:port:<ip>, got: %s", resolveHost)
		}
		host, port, addr := split[0], split[1], split[2]
		if net.ParseIP(host) != nil {
			return nil, fmt.Errorf("invalid hostname specified, looks like an IP address: %s", host)
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid IP address: %s", addr)
		}
		hostPort := net.JoinHostPort(host, port)
		target := net.JoinHostPort(addr, port)
		if existing, ok := resolveOverrides[hostPort]; ok && existing != target {
			return nil, fmt.Errorf("duplicate host:port specified: %s", hostPort)
		}
		resolveOverrides[hostPort] = target
	}
	return resolveOverrides, nil
}

// ClientID returns the configured client identifier, generating one the first time if none was given.
func ClientID() string {
	id := viper.GetString(optname.ClientID)
	if id == "" {
		id = uuid.NewString()
		viper.Set(optname.ClientID, id)
	}
	return id
}

// Mirrors parses every --mirror value.
func Mirrors() ([]MirrorOption, error) {
	return ParseMirrors(viper.GetStringSlice(optname.Mirror))
}

// ParseMirrors parses values of the form host=token[@host1,host2]. Hosts are lower-cased; a later value for the same
// host is an error.
func ParseMirrors(values []string) ([]MirrorOption, error) {
	var options []MirrorOption
	seen := make(map[string]bool)
	for _, value := range values {
		host, rest, ok := strings.Cut(value, "=")
		host = strings.ToLower(strings.TrimSpace(host))
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid mirror format, expected <host>=<token>[@<download-host>,...], got: %s", value)
		}
		if seen[host] {
			return nil, fmt.Errorf("duplicate mirror host specified: %s", host)
		}
		token, hostList, hasHosts := strings.Cut(rest, "@")
		if token == "" {
			return nil, fmt.Errorf("invalid mirror format, missing token: %s", value)
		}
		grant := mirror.Grant{Token: token}
		if hasHosts {
			for _, h := range strings.Split(hostList, ",") {
				h = strings.TrimSpace(h)
				if h == "" {
					continue
				}
				if err := validHost(h); err != nil {
					return nil, fmt.Errorf("invalid download host %q for mirror %s: %w", h, host, err)
				}
				grant.Hosts = append(grant.Hosts, h)
			}
		}
		seen[host] = true
		options = append(options, MirrorOption{Host: host, Grant: grant})
	}
	return options, nil
}

// validHost accepts host or host:port.
func validHost(h string) error {
	if strings.ContainsAny(h, "/?#@ ") {
		return errors.New("unexpected character")
	}
	if strings.Contains(h, ":") {
		if _, _, err := net.SplitHostPort(h); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry registers a static secure mirror for every --mirror value.
func NewRegistry() (*mirror.Registry, error) {
	options, err := Mirrors()
	if err != nil {
		return nil, err
	}
	registry := mirror.NewRegistry(mirror.User{
		Name:        viper.GetString(optname.User),
		ClientToken: ClientID(),
	})
	for _, option := range options {
		registry.Register(option.Host, mirror.StaticMirror{Grant: option.Grant})
	}
	return registry, nil
}

// NewGetter builds the retrying getter from the current configuration, wired to recorder.
func NewGetter(recorder *metrics.Recorder) (*mget.Getter, error) {
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	resolveOverrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return nil, err
	}
	clientOpts := client.Options{
		ConnectTimeout:   viper.GetDuration(optname.ConnTimeout),
		MaxRetries:       viper.GetInt(optname.ProbeRetries),
		ResolveOverrides: resolveOverrides,
	}
	engine := download.NewEngine(client.NewHTTPClient(clientOpts))
	engine.StallTimeout = viper.GetDuration(optname.StallTimeout)
	return &mget.Getter{
		Engine:      engine,
		Resolver:    mirror.NewResolver(registry, checksum.NewProber(client.NewRetryClient(clientOpts))),
		MaxAttempts: viper.GetInt(optname.Attempts),
		Metrics:     recorder,
	}, nil
}

// WriteMetrics writes recorder to --metrics-textfile, if set. Failures are logged, not returned.
func WriteMetrics(recorder *metrics.Recorder) {
	path := viper.GetString(optname.MetricsTextfile)
	if path == "" {
		return
	}
	if err := recorder.WriteTextfile(path); err != nil {
		logger := logging.GetLogger()
		logger.Warn().Err(err).Str("path", path).Msg("Unable to write metrics")
	}
}
