// Package config reads HCL configuration shared by aggregator, node and sim.
package config

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/iotproject/edgecast/forecast"
	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Log struct {
		Level string `hcl:"level"`
	}

	Link struct {
		Address      string       `hcl:"address"`
		Listen       string       `hcl:"listen"`
		PrimaryKey   string       `hcl:"primary_key"`
		AckTimeoutMs int          `hcl:"ack_timeout_ms"`
		RetryMs      int          `hcl:"retry_ms"`
		MaxAttempts  int          `hcl:"max_attempts"`
		Peers        []PeerConfig `hcl:"peer"`
	}

	Forecast struct {
		Window int                    `hcl:"window"`
		Models []forecast.ModelConfig `hcl:"model"`
	}

	Uplink struct {
		Broker           string `hcl:"broker"`
		ClientID         string `hcl:"client_id"`
		Topic            string `hcl:"topic"`
		QoS              int    `hcl:"qos"`
		ConnectTimeoutMs int    `hcl:"connect_timeout_ms"`
		PublishTimeoutMs int    `hcl:"publish_timeout_ms"`
		ReconnectDelayMs int    `hcl:"reconnect_delay_ms"`
		// false keeps reconnect before every publish
		ReconnectOnChange bool `hcl:"reconnect_on_change"`
		MaxAttempts       int  `hcl:"max_attempts"`
		DryRun            bool `hcl:"dry_run"`
	}

	Aggregator struct {
		StatusIntervalSec int `hcl:"status_interval_sec"`
	}

	Node struct {
		Credential  string `hcl:"credential"`
		Destination string `hcl:"destination"`
		PeriodMs    int    `hcl:"period_ms"`
		I2CBus      string `hcl:"i2c_bus"`
		Simulate    bool   `hcl:"simulate"`
		Led         struct {
			Chip       string `hcl:"chip"`
			Line       int    `hcl:"line"`
			IntervalMs int    `hcl:"interval_ms"`
		}
	}

	Sim struct {
		Nodes     int     `hcl:"nodes"`
		PeriodMs  int     `hcl:"period_ms"`
		LossRate  float64 `hcl:"loss_rate"`
		FailEvery int     `hcl:"fail_every"`
		Broker    bool    `hcl:"broker"`
		Listen    string  `hcl:"listen"`
	}

	Persist struct {
		Root string `hcl:"root"`
	}

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type PeerConfig struct {
	Address  string `hcl:"address,key"`
	Key      string `hcl:"key"`
	Endpoint string `hcl:"endpoint"`
	// node credential, only used by sim
	Credential string `hcl:"credential"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values overwrite earlier.
// Result has defaults applied and is validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		c.applyDefaults()
		errs = append(errs, c.validate()...)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
