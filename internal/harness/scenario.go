package harness

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/pkg/identity"
	"github.com/phoenixguard/sentinel/pkg/types"
)

//go:embed scenarios/*.yaml
var builtinFS embed.FS

// Scenario is a recorded operation trace replayed by Run.
type Scenario struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Mode        string          `yaml:"mode"`
	Trusted     []identity.Rule `yaml:"trusted,omitempty"`
	Steps       []Step          `yaml:"steps"`
}

// Step is one operation, optionally repeated.
type Step struct {
	Name    string               `yaml:"name,omitempty"`
	Op      string               `yaml:"op"`
	Address address              `yaml:"address"`
	Size    byteSize             `yaml:"size,omitempty"`
	Value   address              `yaml:"value,omitempty"`
	Caller  *types.CallerContext `yaml:"caller,omitempty"`
	Repeat  int                  `yaml:"repeat,omitempty"`
	// Stride advances the address between repeats.
	Stride byteSize `yaml:"stride,omitempty"`
	// After is the virtual time that passes before each execution of the step.
	After  duration `yaml:"after,omitempty"`
	Expect string   `yaml:"expect,omitempty"`

	kind   types.Kind
	expect types.Action
}

const defaultStepGap = 10 * time.Millisecond

// address accepts decimal, 0x hex and 0o octal scalars.
type address uint64

func (a *address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be scalar", value.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(value.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q", value.Line, value.Value)
	}
	*a = address(v)
	return nil
}

// byteSize accepts plain or hex numbers and sizes such as "2MiB".
type byteSize uint32

func (b *byteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be scalar", value.Line)
	}
	var n int64
	if u, err := strconv.ParseUint(value.Value, 0, 32); err == nil {
		n = int64(u)
	} else {
		n, err = config.ParseByteSize(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
	}
	if n > 1<<32-1 {
		return fmt.Errorf("line %d: size %q exceeds 32 bits", value.Line, value.Value)
	}
	*b = byteSize(n)
	return nil
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be scalar")
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Validate resolves operation kinds and expectations.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if _, err := types.ParseMode(sc.Mode); err != nil {
		return fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	if _, err := identity.NewAllowlist(sc.Trusted); err != nil {
		return fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %s has no steps", sc.Name)
	}
	for i := range sc.Steps {
		st := &sc.Steps[i]
		k, err := types.ParseKind(st.Op)
		if err != nil {
			return fmt.Errorf("scenario %s step %d: %w", sc.Name, i+1, err)
		}
		st.kind = k
		if st.Repeat < 0 {
			return fmt.Errorf("scenario %s step %d: repeat must be >= 0", sc.Name, i+1)
		}
		switch strings.ToLower(st.Expect) {
		case "":
		case string(types.ActionAllow), string(types.ActionBlock), string(types.ActionRedirect):
			st.expect = types.Action(strings.ToLower(st.Expect))
		default:
			return fmt.Errorf("scenario %s step %d: expect must be allow, block or redirect", sc.Name, i+1)
		}
	}
	return nil
}

// Builtin returns one of the bundled scenarios by name.
func Builtin(name string) (*Scenario, error) {
	data, err := builtinFS.ReadFile(path.Join("scenarios", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown builtin scenario %q (have %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return Parse(data)
}

// BuiltinNames lists the bundled scenarios.
func BuiltinNames() []string {
	entries, _ := builtinFS.ReadDir("scenarios")
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}
