package broker

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Settings parameterise the generated mosquitto.conf.
type Settings struct {
	// Upstream broker the local one bridges to.
	UpstreamHost     string
	UpstreamUser     string
	UpstreamPassword string
	ClientID         string

	// Where go-auth reaches this service.
	AuthHost string
	AuthPort int

	ListenerPort        int
	PersistenceLocation string
	PluginPath          string
	CacheSeconds        int
}

// DefaultSettings returns the settings of a standard deployment; only the
// upstream connection needs to be filled in.
func DefaultSettings() Settings {
	return Settings{
		ClientID:            "bridge_skill",
		AuthHost:            "127.0.0.1",
		AuthPort:            9090,
		ListenerPort:        1883,
		PersistenceLocation: "/data/",
		PluginPath:          "/mosquitto/go-auth.so",
		CacheSeconds:        30,
	}
}

// Validate checks that the settings can produce a working configuration.
func (s *Settings) Validate() error {
	if s.UpstreamHost == "" {
		return fmt.Errorf("upstream MQTT host is required")
	}
	if s.AuthPort <= 0 || s.AuthPort > 65535 {
		return fmt.Errorf("invalid auth port %d", s.AuthPort)
	}
	if s.ListenerPort <= 0 || s.ListenerPort > 65535 {
		return fmt.Errorf("invalid listener port %d", s.ListenerPort)
	}
	return nil
}

var confTemplate = template.Must(template.New("mosquitto.conf").Parse(`protocol mqtt
user root
log_dest stdout
log_type all
persistence true
persistence_location {{.PersistenceLocation}}

auth_plugin {{.PluginPath}}

auth_opt_cache true
auth_opt_auth_cache_seconds {{.CacheSeconds}}
auth_opt_acl_cache_seconds {{.CacheSeconds}}
auth_opt_backends http
auth_opt_http_host {{.AuthHost}}
auth_opt_http_port {{.AuthPort}}
auth_opt_http_getuser_uri /api/login
auth_opt_http_superuser_uri /api/superuser
auth_opt_http_aclcheck_uri /api/acl
auth_opt_http_params_mode form

allow_anonymous false

listener {{.ListenerPort}}
protocol mqtt

connection bridge
address {{.UpstreamHost}}
topic rhasspy/# both
topic hermes/# both
{{- if .UpstreamUser}}
remote_username {{.UpstreamUser}}
{{- end}}
{{- if .UpstreamPassword}}
remote_password {{.UpstreamPassword}}
{{- end}}
remote_clientid {{.ClientID}}
`))

// RenderConfig produces mosquitto.conf content.
func RenderConfig(s Settings) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	for _, v := range []string{s.UpstreamHost, s.UpstreamUser, s.UpstreamPassword, s.ClientID} {
		if strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("broker settings must not contain line breaks")
		}
	}

	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("failed to render broker config: %w", err)
	}
	return buf.String(), nil
}

// WriteConfig renders the configuration and replaces the file at path.
// It reports whether an existing file was replaced.
func WriteConfig(path string, s Settings) (bool, error) {
	content, err := RenderConfig(s)
	if err != nil {
		return false, err
	}

	replaced := false
	if _, err := os.Stat(path); err == nil {
		replaced = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return replaced, nil
}
