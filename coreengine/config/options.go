package config

import (
	"github.com/spf13/pflag"
)

// Options are the daemon command-line flags. Flags set on the command line
// override the configuration file; unset flags leave it alone.
type Options struct {
	ConfigURL          string
	PrintConfig        bool
	GRPCAddress        string
	MetricsAddress     string
	Workers            int
	LogLevel           string
	LogFormat          string
	SnapshotURL        string
	TracingEndpoint    string
	DisableHibernation bool
	// UnitsURL is a directory of unit files loaded at startup.
	UnitsURL           string

	// internal
	fs *pflag.FlagSet
}

// NewOptions returns Options initialized from the default configuration, so
// --help shows the effective defaults.
func NewOptions() *Options {
	def := DefaultRuntimeConfig()
	return &Options{
		GRPCAddress:     def.GRPC.Address,
		MetricsAddress:  def.Metrics.Address,
		Workers:         def.Kernel.Workers,
		LogLevel:        def.Log.Level,
		LogFormat:       def.Log.Format,
		TracingEndpoint: def.Tracing.Endpoint,
	}
}

// AddFlags binds the Options fields to flags on fs. A nil fs uses
// pflag.CommandLine.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	o.fs = fs

	fs.StringVarP(&o.ConfigURL, "config", "c", o.ConfigURL,
		"Configuration file path or afs URL. Defaults apply when empty.")
	fs.BoolVar(&o.PrintConfig, "print-config", o.PrintConfig,
		"Print the effective configuration as YAML and exit.")
	fs.StringVar(&o.GRPCAddress, "grpc-address", o.GRPCAddress,
		"Listen address of the gRPC front door.")
	fs.StringVar(&o.MetricsAddress, "metrics-address", o.MetricsAddress,
		"Listen address of the Prometheus endpoint. Empty disables it.")
	fs.IntVarP(&o.Workers, "workers", "w", o.Workers,
		"Number of scheduler workers.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel,
		"Log level: debug, info, warn or error.")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat,
		"Log format: json or console.")
	fs.StringVar(&o.SnapshotURL, "snapshot-url", o.SnapshotURL,
		"afs URL for hibernated snapshots. Selects the afs backend.")
	fs.StringVar(&o.TracingEndpoint, "tracing-endpoint", o.TracingEndpoint,
		"OTLP gRPC endpoint. Setting it enables tracing.")
	fs.BoolVar(&o.DisableHibernation, "disable-hibernation", o.DisableHibernation,
		"Never hibernate idle processes.")
	fs.StringVar(&o.UnitsURL, "units", o.UnitsURL,
		"Directory path or afs URL of .akasm and .akvm units to load at startup.")
}

func (o *Options) changed(name string) bool {
	return o.fs != nil && o.fs.Changed(name)
}

// Apply copies every flag that was set on the command line into c.
func (o *Options) Apply(c *RuntimeConfig) {
	if o.changed("grpc-address") {
		c.GRPC.Address = o.GRPCAddress
	}
	if o.changed("metrics-address") {
		c.Metrics.Address = o.MetricsAddress
	}
	if o.changed("workers") && c.Kernel != nil {
		c.Kernel.Workers = o.Workers
	}
	if o.changed("log-level") {
		c.Log.Level = o.LogLevel
	}
	if o.changed("log-format") {
		c.Log.Format = o.LogFormat
	}
	if o.changed("snapshot-url") {
		c.Snapshot.Backend = SnapshotAFS
		c.Snapshot.URL = o.SnapshotURL
	}
	if o.changed("tracing-endpoint") {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = o.TracingEndpoint
	}
	if o.changed("disable-hibernation") && c.Kernel != nil && c.Kernel.Hibernation != nil {
		c.Kernel.Hibernation.Enabled = !o.DisableHibernation
	}
}
