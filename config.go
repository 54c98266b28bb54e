package trickle

import (
	"runtime"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	"github.com/spf13/viper"
)

// LoadConfig reads the trickle config file and environment into viper.
// NewSink calls it; programs that read trickle settings before creating a
// sink may call it first.
func LoadConfig() {
	viper.SetConfigName("trickle")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.trickle")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("trickle")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"format":              DefaultFormat,
		"output_location":     "./output",
		"partition_by":        []string{},
		"max_concurrency":     runtime.NumCPU(), // Maximum number of DataPartitions written at once
		"s3_region":           "",
		"s3_endpoint":         "",
		"s3_force_path_style": false,
		"verbose":             false,
		"notify_amqp_url":     "",
		"notify_exchange":     "trickle.commits",
		"lambda_function":     "", // Deployed sink function; empty writes locally
		"lambda_role":         "trickle-role",
		"lambda_package":      "./cmd/trickle",
		"lambda_timeout":      180,  // Seconds
		"lambda_memory":       1500, // MB
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":         "v",
		"output_location": "o",
		"format":          "f",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}

// config configures a Sink
type config struct {
	Format         string
	Location       string
	PartitionBy    []string
	Options        map[string]string
	MaxConcurrency int
	S3             trfs.S3Config

	fileSystem trfs.FileSystem
	listeners  []CommitListener
}

func newConfig() *config {
	LoadConfig() // Load viper config from settings file(s) and environment
	return &config{
		Format:         viper.GetString("format"),
		Location:       viper.GetString("output_location"),
		PartitionBy:    viper.GetStringSlice("partition_by"),
		Options:        map[string]string{},
		MaxConcurrency: viper.GetInt("max_concurrency"),
		S3: trfs.S3Config{
			Region:         viper.GetString("s3_region"),
			Endpoint:       viper.GetString("s3_endpoint"),
			ForcePathStyle: viper.GetBool("s3_force_path_style"),
		},
	}
}

// Option allows configuration of a Sink
type Option func(*config)

// WithFormat sets the output format
func WithFormat(format string) Option {
	return func(c *config) {
		c.Format = format
	}
}

// WithLocation sets the output root and, unless WithFileSystem is given,
// the filesystem backend
func WithLocation(location string) Option {
	return func(c *config) {
		c.Location = location
	}
}

// WithPartitionBy sets the partition columns, outermost directory first
func WithPartitionBy(columns ...string) Option {
	return func(c *config) {
		c.PartitionBy = columns
	}
}

// WithOptions adds format options. Options are passed to the format adapter
// as is.
func WithOptions(options map[string]string) Option {
	return func(c *config) {
		for k, v := range options {
			c.Options[k] = v
		}
	}
}

// WithMaxConcurrency sets the maximum number of DataPartitions written at once
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.MaxConcurrency = n
	}
}

// WithFileSystem overrides the filesystem inferred from the output location
func WithFileSystem(fs trfs.FileSystem) Option {
	return func(c *config) {
		c.fileSystem = fs
	}
}

// WithListener registers a listener notified after each committed batch
func WithListener(listener CommitListener) Option {
	return func(c *config) {
		c.listeners = append(c.listeners, listener)
	}
}

// FileSystemFor returns an initialized filesystem for location, using the
// configured S3 settings for s3:// locations.
func FileSystemFor(location string) (trfs.FileSystem, error) {
	c := newConfig()
	c.Location = location
	return resolveFileSystem(c)
}
