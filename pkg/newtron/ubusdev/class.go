// class.go loads per-class metadata the way pkg/newtron/spec.Loader loads
// network specification files: JSON under a directory, validated once at
// startup, held in an in-memory registry. The directory is resolved and
// read here directly rather than through spec.Loader because the schema
// shape (config/info/stats array schemas, see Schema) is specific to this
// plug-in and has no counterpart in the network specification format.
package ubusdev

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtron/pkg/util"
)

// ConfigDirName is the fixed subdirectory name under the daemon's
// configuration root holding class metadata (spec.md §6.4).
const ConfigDirName = "ubusdev-config"

// handlerEndpointPrefix is prepended to a class's declared endpoint name to
// form the bus subscription name (spec.md §6.1).
const handlerEndpointPrefix = "network.device.ubus."

// SchemaField describes one field of a config/info/stats schema. Query is a
// gojq expression used by collate (dump.go) to pull this field out of a raw
// dump reply, supporting "." nesting and "[]" array projection.
type SchemaField struct {
	Name  string `json:"name"`
	Type  string `json:"type"`            // "string" | "int" | "bool" | "array" | "table"
	Query string `json:"query,omitempty"` // gojq query; defaults to ".<name>" when empty
}

// Schema is a class's config, info, or stats field list (spec.md §3: "three
// array schemas"). A nil *Schema means the corresponding dump capability is
// disabled (spec.md §6.1: "Absent info or stats suppresses the
// corresponding dump capability").
type Schema struct {
	Fields []SchemaField
}

func (s *Schema) fieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// classMetadata is the on-disk JSON shape read from
// ubusdev-config/<class>.json (spec.md §6.1).
type classMetadata struct {
	Name          string        `json:"name"`
	Endpoint      string        `json:"endpoint"`
	BridgeCapable bool          `json:"bridge_capable"`
	MemberPrefix  string        `json:"member_prefix,omitempty"`
	Config        []SchemaField `json:"config"`
	Info          []SchemaField `json:"info,omitempty"`
	Stats         []SchemaField `json:"stats,omitempty"`
}

// DeviceClass is immutable after Register (spec.md §3). It owns its
// subscription, schemas, and class name strings exclusively.
type DeviceClass struct {
	Name          string
	Endpoint      string // bare endpoint name, e.g. "bridge"
	BridgeCapable bool
	MemberPrefix  string

	ConfigSchema *Schema
	InfoSchema   *Schema // nil disables dump_info
	StatsSchema  *Schema // nil disables dump_stats

	Link *HandlerLink
}

// SubscriptionName is the full bus subscription name (spec.md §6.1).
func (c *DeviceClass) SubscriptionName() string {
	return handlerEndpointPrefix + c.Endpoint
}

// Subscribed reports the class's current subscription status.
func (c *DeviceClass) Subscribed() bool {
	return c.Link != nil && c.Link.Subscribed()
}

func schemaFromFields(fields []SchemaField) *Schema {
	if len(fields) == 0 {
		return nil
	}
	return &Schema{Fields: fields}
}

// classOverride is applied over a classMetadata from an optional sibling
// ubusdev-config/<class>.overrides.yaml file, the same way pkg/labgen layers
// topology overrides onto a base fixture: local test setups can tweak an
// endpoint name or add schema fields without editing the checked-in JSON.
// Only non-empty fields override; absent fields leave the JSON value intact.
type classOverride struct {
	Endpoint     string        `yaml:"endpoint,omitempty"`
	MemberPrefix string        `yaml:"member_prefix,omitempty"`
	Config       []SchemaField `yaml:"config,omitempty"`
	Info         []SchemaField `yaml:"info,omitempty"`
	Stats        []SchemaField `yaml:"stats,omitempty"`
}

func applyOverride(m *classMetadata, ov *classOverride) {
	if ov.Endpoint != "" {
		m.Endpoint = ov.Endpoint
	}
	if ov.MemberPrefix != "" {
		m.MemberPrefix = ov.MemberPrefix
	}
	if len(ov.Config) > 0 {
		m.Config = ov.Config
	}
	if len(ov.Info) > 0 {
		m.Info = ov.Info
	}
	if len(ov.Stats) > 0 {
		m.Stats = ov.Stats
	}
}

func validateMetadata(m *classMetadata) error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing class name", ErrConfigError)
	}
	if m.Endpoint == "" {
		return fmt.Errorf("%w: class %q missing endpoint", ErrConfigError, m.Name)
	}
	if len(m.Config) == 0 {
		return fmt.Errorf("%w: class %q missing config schema", ErrConfigError, m.Name)
	}
	if m.BridgeCapable && m.MemberPrefix == "" {
		return fmt.Errorf("%w: bridge-capable class %q missing member_prefix", ErrConfigError, m.Name)
	}
	return nil
}

// ClassRegistry owns every registered DeviceClass and the shared retry
// tuning (MAX_RETRY/T) shadows consult.
type ClassRegistry struct {
	mu          sync.RWMutex
	classes     map[string]*DeviceClass
	bus         Bus
	router      *Router
	loop        *Loop
	MaxRetry    int
	RetryPeriod time.Duration
}

// NewClassRegistry constructs an empty registry bound to bus. router routes
// inbound notifications to the correct shadow once classes register their
// shadows with it (see registry.go's Registry, which is distinct from
// ClassRegistry: one tracks class metadata, the other live shadows). loop
// is the single event-loop goroutine notifications are serialized onto
// before reaching the router.
func NewClassRegistry(bus Bus, router *Router, loop *Loop) *ClassRegistry {
	return &ClassRegistry{
		classes:     make(map[string]*DeviceClass),
		bus:         bus,
		router:      router,
		loop:        loop,
		MaxRetry:    DefaultMaxRetry,
		RetryPeriod: DefaultRetryPeriod,
	}
}

// Load reads every ubusdev-config/*.json file under confRoot. A missing
// ConfigDirName directory is non-fatal: the plug-in is silently disabled
// (spec.md §6.4), mirroring spec.Loader treating an absent topology.json as
// optional.
func (r *ClassRegistry) Load(confRoot string) error {
	dir := filepath.Join(confRoot, ConfigDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			util.WithField("dir", dir).Info("ubusdev: no class configuration directory, plug-in disabled")
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadOne(path); err != nil {
			util.WithFields(map[string]interface{}{
				"file":  path,
				"error": err,
			}).Error("ubusdev: discarding class")
			continue
		}
	}
	return nil
}

func (r *ClassRegistry) loadOne(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrConfigError, path, err)
	}

	var m classMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrConfigError, path, err)
	}

	overridePath := strings.TrimSuffix(path, ".json") + ".overrides.yaml"
	if raw, err := os.ReadFile(overridePath); err == nil {
		var ov classOverride
		if err := yaml.Unmarshal(raw, &ov); err != nil {
			return fmt.Errorf("%w: parsing %s: %v", ErrConfigError, overridePath, err)
		}
		applyOverride(&m, &ov)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: reading %s: %v", ErrConfigError, overridePath, err)
	}

	if err := validateMetadata(&m); err != nil {
		return err
	}

	class := &DeviceClass{
		Name:          m.Name,
		Endpoint:      m.Endpoint,
		BridgeCapable: m.BridgeCapable,
		MemberPrefix:  m.MemberPrefix,
		ConfigSchema:  schemaFromFields(m.Config),
		InfoSchema:    schemaFromFields(m.Info),
		StatsSchema:   schemaFromFields(m.Stats),
	}
	return r.Register(class)
}

// Register installs class into the registry, arming its HandlerLink. A
// DeviceClass whose handler endpoint is unresolved starts unsubscribed with
// a pending watch armed (spec.md §3 invariant).
func (r *ClassRegistry) Register(class *DeviceClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[class.Name]; exists {
		return fmt.Errorf("%w: class %q already registered", ErrConfigError, class.Name)
	}

	link := NewHandlerLink(class.SubscriptionName(), r.bus, func(n Notification) {
		r.loop.Post(func() {
			if r.router != nil {
				r.router.Route(class, n)
			}
		})
	})
	class.Link = link
	r.classes[class.Name] = class

	if err := link.Subscribe(); err != nil {
		util.WithFields(map[string]interface{}{
			"class":    class.Name,
			"endpoint": class.SubscriptionName(),
			"error":    err,
		}).Warn("ubusdev: handler not yet available, waiting for it to appear")
	}
	return nil
}

// Get returns a registered class by name.
func (r *ClassRegistry) Get(name string) (*DeviceClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// All returns every registered class, for CLI listing.
func (r *ClassRegistry) All() []*DeviceClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceClass, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	return out
}

// Close tears down every class's handler link, for shutdown.
func (r *ClassRegistry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.classes {
		if c.Link != nil {
			_ = c.Link.Close()
		}
	}
}
