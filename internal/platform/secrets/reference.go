package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference is a parsed secret://name[?version=n&project=p] reference. The legacy sm://
// scheme is accepted as an alias.
type Reference struct {
	Name    string
	Version string
	Project string
}

// ParseReference parses raw. A missing version means "latest".
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: parse %q: %w", raw, err)
	}
	if u.Scheme != "secret" && u.Scheme != "sm" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: %q names no secret", raw)
	}
	q := u.Query()
	ref := Reference{
		Name:    name,
		Version: strings.TrimSpace(q.Get("version")),
		Project: strings.TrimSpace(q.Get("project")),
	}
	if ref.Version == "" {
		ref.Version = latestVersion
	}
	return ref, nil
}

// resource is the Secret Manager version name in project.
func (r Reference) resource(project string) string {
	if r.Project != "" {
		project = r.Project
	}
	return "projects/" + project + "/secrets/" + r.Name + "/versions/" + r.Version
}

func (r Reference) cacheKey() string {
	return r.Project + "/" + r.Name + "@" + r.Version
}

// fingerprint identifies the secret in logs and metrics without naming it.
func (r Reference) fingerprint() string {
	sum := sha256.Sum256([]byte(r.Project + "/" + r.Name))
	return hex.EncodeToString(sum[:6])
}

// envKeys returns the fallback file keys for r, most specific first. The secret name is
// upper-cased with every other character mapped to '_', under a SECRET_ prefix; a pinned
// version adds a __V<version> suffix.
func (r Reference) envKeys() []string {
	var b strings.Builder
	b.WriteString("SECRET_")
	for _, c := range strings.ToUpper(r.Name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			continue
		}
		b.WriteByte('_')
	}
	base := b.String()
	if r.Version == latestVersion {
		return []string{base}
	}
	return []string{base + "__V" + r.Version, base}
}
