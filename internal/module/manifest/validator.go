package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Validator decides whether a parsed manifest may be loaded.
type Validator interface {
	Validate(modulePath string, m *Manifest) bool
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(modulePath string, m *Manifest) bool

// Validate implements Validator.
func (f ValidatorFunc) Validate(modulePath string, m *Manifest) bool {
	return f(modulePath, m)
}

// Policy governs unsigned manifests.
type Policy string

// Signature policies.
const (
	// PolicyPermissive accepts unsigned manifests.
	PolicyPermissive Policy = "permissive"
	// PolicyStrict rejects unsigned manifests.
	PolicyStrict Policy = "strict"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyPermissive, PolicyStrict:
		return p, nil
	case "":
		return PolicyPermissive, nil
	default:
		return "", fmt.Errorf("unknown signature policy %q", s)
	}
}

// HostInfo identifies the running host for compatibility checks.
type HostInfo struct {
	Name    string
	Version *semver.Version
}

// DefaultValidator checks schema, format version, host compatibility and signature.
type DefaultValidator struct {
	host     HostInfo
	policy   Policy
	verifier SignatureVerifier
	logger   *slog.Logger
}

// ValidatorOption configures a DefaultValidator.
type ValidatorOption func(*DefaultValidator)

// WithPolicy sets the signature policy.
func WithPolicy(p Policy) ValidatorOption {
	return func(v *DefaultValidator) {
		v.policy = p
	}
}

// WithVerifier sets the signature verifier.
func WithVerifier(sv SignatureVerifier) ValidatorOption {
	return func(v *DefaultValidator) {
		v.verifier = sv
	}
}

// WithLogger sets the logger used for rejection reports.
func WithLogger(l *slog.Logger) ValidatorOption {
	return func(v *DefaultValidator) {
		v.logger = l
	}
}

// NewValidator creates a validator for the given host.
func NewValidator(host HostInfo, opts ...ValidatorOption) *DefaultValidator {
	v := &DefaultValidator{
		host:   host,
		policy: PolicyPermissive,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate implements Validator. Rejections are logged at warn level.
func (v *DefaultValidator) Validate(modulePath string, m *Manifest) bool {
	err := v.Check(m)
	if err == nil {
		return true
	}
	v.logger.Warn("module manifest rejected", "path", modulePath, "error", err)
	return false
}

// Check returns a *ValidationError describing every problem found, or nil.
func (v *DefaultValidator) Check(m *Manifest) error {
	if m == nil {
		return &ValidationError{Issues: []Issue{{Message: "manifest is nil"}}}
	}

	var issues []Issue
	add := func(path, format string, args ...interface{}) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if raw := m.Raw(); raw != nil {
		schemaIssues, err := CheckSchema(raw)
		if err != nil {
			add("", "%v", err)
		}
		issues = append(issues, schemaIssues...)
	} else if m.ID == "" || m.Version == "" {
		add("", "id and version are required")
	}

	if m.ManifestVersion != CurrentVersion {
		add("/manifestVersion", "unsupported manifest version %d (want %d)", m.ManifestVersion, CurrentVersion)
	}

	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			add("/version", "invalid version %q: %v", m.Version, err)
		}
	}

	for _, dep := range m.DependsOn {
		if dep == m.ID {
			add("/dependsOn", "module depends on itself")
		}
	}

	if err := v.checkHost(m); err != nil {
		add("/supportedHosts", "%v", err)
	}

	if err := v.checkSignature(m); err != nil {
		add("/signature", "%v", err)
	}

	if len(issues) > 0 {
		return &ValidationError{ID: m.ID, Issues: issues}
	}
	return nil
}

// checkHost requires one supportedHosts entry naming this host whose
// constraint, if any, admits the host version.
func (v *DefaultValidator) checkHost(m *Manifest) error {
	var reasons []string
	for _, entry := range m.SupportedHosts {
		name, constraint := SplitHost(entry)
		if !strings.EqualFold(name, v.host.Name) {
			continue
		}
		if constraint == "" {
			return nil
		}
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("invalid constraint %q", constraint))
			continue
		}
		if v.host.Version == nil {
			reasons = append(reasons, fmt.Sprintf("constraint %q needs a host version", constraint))
			continue
		}
		if ok, errs := c.Validate(v.host.Version); !ok {
			reasons = append(reasons, errors.Join(errs...).Error())
			continue
		}
		return nil
	}

	if len(reasons) > 0 {
		return fmt.Errorf("host %s %s not supported: %s", v.host.Name, v.hostVersion(), strings.Join(reasons, "; "))
	}
	return fmt.Errorf("host %s not in %v", v.host.Name, m.SupportedHosts)
}

func (v *DefaultValidator) hostVersion() string {
	if v.host.Version == nil {
		return "(unversioned)"
	}
	return v.host.Version.String()
}

func (v *DefaultValidator) checkSignature(m *Manifest) error {
	if !m.IsSigned() {
		if v.policy == PolicyStrict {
			return errors.New("unsigned manifest rejected by strict policy")
		}
		return nil
	}
	if v.verifier == nil {
		return errors.New("manifest is signed but no verifier is configured")
	}
	raw := m.Raw()
	if raw == nil {
		return errors.New("manifest has no source bytes to verify")
	}
	return Verify(raw, v.verifier)
}
