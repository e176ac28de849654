package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/agentguard/internal/domain/datascope"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
	"github.com/Sentinel-Gate/agentguard/internal/service"
)

// PolicyDocument is one tenant's permission configuration as stored on disk:
// the PermissionConfig fields at the top level plus dataScopeRules.
type PolicyDocument struct {
	policy.PermissionConfig `yaml:",inline"`
	DataScopeRules          []datascope.Rule `yaml:"dataScopeRules,omitempty"`
}

// TenantConfig converts the document for service.Registry.
func (d PolicyDocument) TenantConfig() service.TenantConfig {
	return service.TenantConfig{Permissions: d.PermissionConfig, DataScopeRules: d.DataScopeRules}
}

// Validate checks the permission configuration and compiles the data scope
// rules. Rule expressions are compiled with exprs.
func (d *PolicyDocument) Validate(exprs policy.ExpressionEvaluator) error {
	var errs []error
	if err := d.PermissionConfig.Validate(exprs); err != nil {
		errs = append(errs, err)
	}
	if _, err := datascope.NewEvaluator(d.DataScopeRules, nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DecodePolicy reads a YAML policy document. Unknown fields are rejected.
func DecodePolicy(r io.Reader) (*PolicyDocument, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc PolicyDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty policy document")
		}
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	return &doc, nil
}

// LoadPolicyFile decodes the policy document at path.
func LoadPolicyFile(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := DecodePolicy(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

var tenantFilePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// DirSource serves tenant configurations from <dir>/<tenant>.yaml (or .yml).
type DirSource struct {
	dir string
}

var _ service.ConfigSource = (*DirSource)(nil)

// NewDirSource creates a source reading policy documents from dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Load implements service.ConfigSource.
func (s *DirSource) Load(_ context.Context, tenant string) (service.TenantConfig, error) {
	path, err := s.Path(tenant)
	if err != nil {
		return service.TenantConfig{}, err
	}
	doc, err := LoadPolicyFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return service.TenantConfig{}, fmt.Errorf("%s: %w", tenant, service.ErrTenantNotFound)
		}
		return service.TenantConfig{}, err
	}
	return doc.TenantConfig(), nil
}

// Path returns the document path for tenant, preferring an existing .yml
// file when no .yaml exists.
func (s *DirSource) Path(tenant string) (string, error) {
	if !tenantFilePattern.MatchString(tenant) {
		return "", fmt.Errorf("invalid tenant id %q", tenant)
	}
	path := filepath.Join(s.dir, tenant+".yaml")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		alt := filepath.Join(s.dir, tenant+".yml")
		if _, err := os.Stat(alt); err == nil {
			return alt, nil
		}
	}
	return path, nil
}

// Tenants lists the tenants that have a policy document.
func (s *DirSource) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		tenant := strings.TrimSuffix(name, ext)
		if !tenantFilePattern.MatchString(tenant) {
			continue
		}
		if _, dup := seen[tenant]; dup {
			continue
		}
		seen[tenant] = struct{}{}
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}
