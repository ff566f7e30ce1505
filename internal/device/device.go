// Package device implements the output devices print steps submit to.
//
// A device accepts a job for a file and returns an identifier; acceptance
// by the device layer is success for the step. Devices classify their own
// failures: an unknown or unreachable device is permanent, anything that
// may clear up on its own is transient.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// Kinds of configured devices.
const (
	KindSpool   = "spool"
	KindCommand = "command"
	KindS3      = "s3"
	KindKafka   = "kafka"
)

// Job is one submission to a device.
type Job struct {
	ID          string
	RunID       string
	TaskID      string
	Path        string
	Copies      int
	SubmittedAt time.Time
}

// Device accepts print jobs.
type Device interface {
	Name() string
	// Submit hands the job to the device and returns a device-side job
	// reference.
	Submit(ctx context.Context, job Job) (string, error)
	Close() error
}

// Config is the union of per-kind device settings as written in
// configuration.
type Config struct {
	Type      string   `mapstructure:"type"`
	Directory string   `mapstructure:"directory"`
	Command   []string `mapstructure:"command"`
	Endpoint  string   `mapstructure:"endpoint"`
	AccessKey string   `mapstructure:"access_key"`
	SecretKey string   `mapstructure:"secret_key"`
	Bucket    string   `mapstructure:"bucket"`
	Prefix    string   `mapstructure:"prefix"`
	UseSSL    bool     `mapstructure:"use_ssl"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	MaxBytes  int      `mapstructure:"max_bytes"`
}

// Kinds lists the supported device kinds.
func Kinds() []string {
	return []string{KindSpool, KindCommand, KindS3, KindKafka}
}

// Validate checks the settings required by the configured kind.
func (c Config) Validate() error {
	missing := func(field string) error {
		return errors.NewValidationError(fmt.Sprintf("%s device requires %s", c.Type, field)).WithField(field)
	}
	switch c.Type {
	case KindSpool:
		if c.Directory == "" {
			return missing("directory")
		}
	case KindCommand:
		if len(c.Command) == 0 {
			return missing("command")
		}
	case KindS3:
		if c.Endpoint == "" {
			return missing("endpoint")
		}
		if c.Bucket == "" {
			return missing("bucket")
		}
	case KindKafka:
		if len(c.Brokers) == 0 {
			return missing("brokers")
		}
		if c.Topic == "" {
			return missing("topic")
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown device type %q", c.Type)).
			WithField("type").WithValue(c.Type)
	}
	return nil
}

// Build constructs the device described by cfg.
func Build(name string, cfg Config) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case KindSpool:
		return NewSpool(name, cfg.Directory), nil
	case KindCommand:
		return NewCommand(name, cfg.Command), nil
	case KindS3:
		return NewS3(name, cfg)
	case KindKafka:
		return NewKafka(name, cfg), nil
	}
	return nil, errors.NewValidationError(fmt.Sprintf("unknown device type %q", cfg.Type))
}

// Registry maps device names to devices.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// BuildRegistry builds every configured device. On failure the devices
// built so far are closed.
func BuildRegistry(cfgs map[string]Config) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range cfgs {
		d, err := Build(name, cfg)
		if err != nil {
			r.Close()
			return nil, errors.NewConfigurationError(fmt.Sprintf("device %q", name), err).WithField("devices." + name)
		}
		if err := r.Register(d); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Register adds a device. Names must be unique.
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Name()]; ok {
		return errors.NewValidationError(fmt.Sprintf("device %q registered twice", d.Name())).WithField("devices")
	}
	r.devices[d.Name()] = d
	return nil
}

// Get returns the named device. An unknown name is a permanent error.
func (r *Registry) Get(name string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, errors.NewPermanentStepError(fmt.Sprintf("unknown device %q", name), errors.ErrUnknownDevice)
	}
	return d, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every device and returns the joined errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, d := range r.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device %s: %w", name, err))
		}
	}
	r.devices = make(map[string]Device)
	return errors.Join(errs...)
}

func unavailable(name string, cause error) error {
	return errors.NewPermanentStepError(fmt.Sprintf("device %q unavailable", name),
		errors.Join(errors.ErrDeviceUnavailable, cause))
}

func copies(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
