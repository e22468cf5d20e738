package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"

	"content-core/pkg/wordpress"

	"gopkg.in/yaml.v3"
)

// editionsFile is the layout of the editions YAML file:
//
//	editions:
//	  - code: ng
//	    graphql_url: https://ng.example.com/graphql
//	    rest_url: https://ng.example.com/wp-json/wp/v2
//	    timeout: 8s
type editionsFile struct {
	Editions []wordpress.Edition `yaml:"editions"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${NAME} with the environment value. Unset
// variables are left as written so validation can point at them.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// LoadEditions reads and validates the editions file at path.
func LoadEditions(path string) ([]wordpress.Edition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading editions file: %w", err)
	}
	return ParseEditions(data)
}

// ParseEditions parses and validates editions YAML.
func ParseEditions(data []byte) ([]wordpress.Edition, error) {
	var f editionsFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parsing editions: %w", err)
	}
	if err := ValidateEditions(f.Editions); err != nil {
		return nil, fmt.Errorf("validating editions: %w", err)
	}
	return f.Editions, nil
}

// ValidateEditions rejects an empty list, duplicate or empty codes, and
// endpoints that are not absolute http(s) URLs.
func ValidateEditions(editions []wordpress.Edition) error {
	if len(editions) == 0 {
		return errors.New("no editions configured")
	}

	var errs []error
	seen := make(map[string]bool, len(editions))
	for i, ed := range editions {
		if ed.Code == "" {
			errs = append(errs, fmt.Errorf("editions[%d]: code is required", i))
			continue
		}
		if seen[ed.Code] {
			errs = append(errs, fmt.Errorf("editions[%d]: duplicate code %q", i, ed.Code))
		}
		seen[ed.Code] = true

		if err := validateURL(ed.GraphQLURL); err != nil {
			errs = append(errs, fmt.Errorf("edition %s: graphql_url: %w", ed.Code, err))
		}
		if err := validateURL(ed.RESTURL); err != nil {
			errs = append(errs, fmt.Errorf("edition %s: rest_url: %w", ed.Code, err))
		}
		if ed.Timeout < 0 {
			errs = append(errs, fmt.Errorf("edition %s: negative timeout", ed.Code))
		}
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}
