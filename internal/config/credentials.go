package config

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConnectorCredential binds one connector token to its optional upstream API
// key. The key stays broker-side; connectors receive it only inside REQUEST
// frames, never at registration.
type ConnectorCredential struct {
	Token     string `yaml:"token"`
	LLMAPIKey string `yaml:"llm_api_key,omitempty"`
	Name      string `yaml:"name,omitempty"`
}

// Credentials is the broker's auth material: accepted connector tokens with
// their upstream keys, and accepted external API keys. An empty APIKeys list
// disables external auth (development mode).
type Credentials struct {
	Connectors []ConnectorCredential `yaml:"connectors"`
	APIKeys    []string              `yaml:"api_keys"`
}

// ParseTokenSpecs expands `token` / `token:upstream-key` specs (the
// REMOTELLM_CONNECTOR_TOKENS format) into credential entries.
func ParseTokenSpecs(specs []string) []ConnectorCredential {
	var out []ConnectorCredential
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		token, key, _ := strings.Cut(spec, ":")
		if token == "" {
			continue
		}
		out = append(out, ConnectorCredential{Token: token, LLMAPIKey: key})
	}
	return out
}

// LoadCredentialsFile parses a YAML credentials file:
//
//	connectors:
//	  - token: t1
//	    llm_api_key: sk-upstream
//	    name: garage
//	api_keys:
//	  - sk-user
func LoadCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	return c, nil
}

// Merge overlays b onto a: b's connector entries replace a's on token
// collision, and b's API keys are appended (deduped). Used to combine env
// token specs with a credentials file.
func Merge(a, b Credentials) Credentials {
	byToken := make(map[string]int, len(a.Connectors))
	out := Credentials{Connectors: append([]ConnectorCredential(nil), a.Connectors...)}
	for i, c := range out.Connectors {
		byToken[c.Token] = i
	}
	for _, c := range b.Connectors {
		if i, ok := byToken[c.Token]; ok {
			out.Connectors[i] = c
		} else {
			byToken[c.Token] = len(out.Connectors)
			out.Connectors = append(out.Connectors, c)
		}
	}

	seen := make(map[string]struct{}, len(a.APIKeys))
	for _, k := range a.APIKeys {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out.APIKeys = append(out.APIKeys, k)
	}
	for _, k := range b.APIKeys {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out.APIKeys = append(out.APIKeys, k)
	}
	return out
}

// CredentialFor returns the upstream key bound to token and whether the token
// is accepted at all.
func (c Credentials) CredentialFor(token string) (string, bool) {
	for _, e := range c.Connectors {
		if subtle.ConstantTimeCompare([]byte(e.Token), []byte(token)) == 1 {
			return e.LLMAPIKey, true
		}
	}
	return "", false
}

// NameFor returns the configured friendly name for a token, if any.
func (c Credentials) NameFor(token string) string {
	for _, e := range c.Connectors {
		if e.Token == token {
			return e.Name
		}
	}
	return ""
}
