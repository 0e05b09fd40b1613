package rules

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/klyr/klyr/internal/config"
)

// BuildEngine compiles every rule in cfg and reports all broken rules at
// once. Signature files resolve relative to the config file.
func BuildEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	var errs []error
	compiled := make([]Rule, 0, len(cfg.Rules))
	for _, def := range cfg.Rules {
		r, err := compileRule(def, cfg.ResolvePath)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", def.ID, err))
			continue
		}
		compiled = append(compiled, r)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return NewEngine(compiled), nil
}

func compileRule(def config.Rule, resolve func(string) string) (Rule, error) {
	transforms, err := parseTransforms(def.Transforms)
	if err != nil {
		return Rule{}, err
	}

	var m Matcher
	switch MatchType(def.Match.Type) {
	case MatchRegex:
		if def.Match.Pattern == "" {
			return Rule{}, errors.New("regex pattern is required")
		}
		m, err = CompileRegex(def.Match.Pattern)
	case MatchAho:
		sigs := append([]string(nil), def.Match.Patterns...)
		if def.Match.PatternsFile != "" {
			fromFile, err := loadSignatures(resolve(def.Match.PatternsFile))
			if err != nil {
				return Rule{}, err
			}
			sigs = append(sigs, fromFile...)
		}
		// Inputs are lowercased before matching, so signatures must be too.
		if hasTransform(transforms, TransformLowercase) {
			for i := range sigs {
				sigs[i] = strings.ToLower(sigs[i])
			}
		}
		m, err = CompileSignatures(sigs)
	default:
		return Rule{}, fmt.Errorf("unknown match type %q", def.Match.Type)
	}
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		ID:         def.ID,
		Phase:      Phase(def.Phase),
		Score:      def.Score,
		Tags:       append([]string(nil), def.Tags...),
		Transforms: transforms,
		Matcher:    m,
	}, nil
}

func parseTransforms(names []string) ([]Transform, error) {
	out := make([]Transform, 0, len(names))
	for _, name := range names {
		t := Transform(strings.ToLower(strings.TrimSpace(name)))
		switch t {
		case TransformLowercase, TransformHTMLEntity, TransformPathNormalize:
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown transform %q", name)
		}
	}
	return out, nil
}

func hasTransform(list []Transform, want Transform) bool {
	for _, t := range list {
		if t == want {
			return true
		}
	}
	return false
}

// loadSignatures reads one signature per line. Blank lines and lines
// starting with # are skipped.
func loadSignatures(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signatures: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sigs []string
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sigs = append(sigs, text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s:%d: %w", path, line+1, err)
	}
	return sigs, nil
}
