package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the boot manifest: machine size, scheduler options and the
// tasks to start after the reaper.
type Config struct {
	MaxTasks  int             `yaml:"max_tasks"`
	Memory    MemoryConfig    `yaml:"memory"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	Tasks     []TaskConfig    `yaml:"tasks"`
}

type MemoryConfig struct {
	Frames     int    `yaml:"frames"`      // physical frames handed to the allocator
	HHDMOffset uint64 `yaml:"hhdm_offset"` // base of the kernel's direct map
}

type SchedulerConfig struct {
	ReturnPolicy string        `yaml:"return_policy"` // hang or exit
	TickPeriod   time.Duration `yaml:"tick_period"`   // 0 runs ticks back to back
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TaskConfig names a built-in program or an executable on the boot volume.
type TaskConfig struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTasks: 4096,
		Memory: MemoryConfig{
			Frames:     4096,
			HHDMOffset: 0xffff_8000_0000_0000,
		},
		Scheduler: SchedulerConfig{ReturnPolicy: "hang"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse decodes a manifest on top of the defaults and validates it.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxTasks < 1 {
		errs = append(errs, fmt.Errorf("max_tasks must be at least 1, got %d", c.MaxTasks))
	}
	if c.Memory.Frames < 1 {
		errs = append(errs, fmt.Errorf("memory.frames must be at least 1, got %d", c.Memory.Frames))
	}
	if c.Memory.HHDMOffset%4096 != 0 {
		errs = append(errs, fmt.Errorf("memory.hhdm_offset 0x%x is not page aligned", c.Memory.HHDMOffset))
	}
	switch c.Scheduler.ReturnPolicy {
	case "", "hang", "exit":
	default:
		errs = append(errs, fmt.Errorf("scheduler.return_policy must be hang or exit, got %q", c.Scheduler.ReturnPolicy))
	}
	if c.Scheduler.TickPeriod < 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_period must not be negative"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: name is required", i))
		}
	}
	return errors.Join(errs...)
}
