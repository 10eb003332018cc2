package recordcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings such as "90s", "5m"
// or "1d12h" (days and weeks are accepted).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("ttl: line %d: %w", n.Line, err)
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("ttl: line %d: %w", n.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("ttl: line %d: negative duration %q", n.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// TTLConfig holds the freshness windows of a store as they appear in a config file:
//
//	all_items: 5m
//	single_item: 60s
type TTLConfig struct {
	AllItems   Duration `yaml:"all_items"`
	SingleItem Duration `yaml:"single_item"`
}

// ParseTTLConfig decodes a YAML document into a TTLConfig. Unknown keys are
// rejected; an empty document yields zero TTLs.
func ParseTTLConfig(b []byte) (TTLConfig, error) {
	var cfg TTLConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return TTLConfig{}, err
	}
	return cfg, nil
}

// WithTTLs returns a copy of o with both TTLs taken from cfg.
func (o Options[T, ID]) WithTTLs(cfg TTLConfig) Options[T, ID] {
	o.AllItemsTTL = time.Duration(cfg.AllItems)
	o.SingleItemTTL = time.Duration(cfg.SingleItem)
	return o
}
