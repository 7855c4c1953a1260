package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile is the YAML shape of a rule override file:
//
//	rules:
//	  - contains: spin.SpinLock
//	    suffix: .Acquire
//	    class: acquire
//	    kind: mutex
//	  - contains: loggingMutex
//	    class: exclude
type overrideFile struct {
	Rules []overrideRule `yaml:"rules"`
}

type overrideRule struct {
	Contains string `yaml:"contains"`
	Suffix   string `yaml:"suffix"`
	Class    string `yaml:"class"`
	Kind     string `yaml:"kind"`
}

// LoadOverrides reads a YAML rule file and returns a table with its rules
// merged in front of the defaults.
func LoadOverrides(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseOverrides(data)
}

// ParseOverrides builds a table from YAML override content.
func ParseOverrides(data []byte) (*RuleTable, error) {
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule overrides: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, or := range file.Rules {
		r, err := or.compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return NewRuleTable(rules...), nil
}

func (or overrideRule) compile() (Rule, error) {
	r := Rule{Contains: or.Contains, Suffix: or.Suffix}
	if r.Contains == "" && r.Suffix == "" {
		return Rule{}, fmt.Errorf("empty pattern: need contains or suffix")
	}

	switch or.Class {
	case "acquire":
		r.Op = OpAcquire
	case "release":
		r.Op = OpRelease
	case "exclude":
		r.Exclude = true
		return r, nil
	default:
		return Rule{}, fmt.Errorf("unknown class %q (want acquire, release or exclude)", or.Class)
	}

	switch or.Kind {
	case "mutex", "":
		r.Kind = Mutex
	case "rwlock-read":
		r.Kind = RwLockRead
	case "rwlock-write":
		r.Kind = RwLockWrite
	default:
		return Rule{}, fmt.Errorf("unknown kind %q", or.Kind)
	}
	return r, nil
}
