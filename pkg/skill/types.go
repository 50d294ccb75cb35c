// Package skill provides the shared Go definitions for installable voice-assistant
// skills: the registry identity that binds a skill name to its broker credential and
// topic policy, the package manifest shipped inside a skill archive, and the access
// codes exchanged with the MQTT broker's authorization plugin.
package skill

import (
	"fmt"
	"regexp"
)

// Access is a topic operation code as sent by the broker's auth plugin.
// The numeric values are part of the wire contract with mosquitto-go-auth.
type Access int

const (
	// AccessRead allows reading messages published on a topic
	AccessRead Access = 1

	// AccessWrite allows publishing on a topic
	AccessWrite Access = 2

	// AccessReadWrite allows both reading and publishing
	AccessReadWrite Access = 3

	// AccessSubscribe allows subscribing to a topic
	AccessSubscribe Access = 4

	// AccessDeny explicitly denies every operation on a topic
	AccessDeny Access = 5
)

// IsValid returns true if the access code is one of the defined values.
func (a Access) IsValid() bool {
	return a >= AccessRead && a <= AccessDeny
}

// String returns the upper-case name of the access code.
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "READ"
	case AccessWrite:
		return "WRITE"
	case AccessReadWrite:
		return "READWRITE"
	case AccessSubscribe:
		return "SUBSCRIBE"
	case AccessDeny:
		return "DENY"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// Identity is the registry record for an installed skill.
// The JSON field names match the store.json layout written by earlier releases.
type Identity struct {
	Name        string            `json:"skill_name"`
	SecretHash  string            `json:"hashed_password"`
	StartOnBoot bool              `json:"start_on_boot"`
	TopicAccess map[string]Access `json:"topic_access"`
}

// Validate checks that the identity can be stored.
func (i *Identity) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("skill_name is required")
	}
	if i.SecretHash == "" {
		return fmt.Errorf("hashed_password is required")
	}
	for topic, acc := range i.TopicAccess {
		if !acc.IsValid() {
			return fmt.Errorf("topic %q: invalid access code %d", topic, int(acc))
		}
	}
	return nil
}

// AccessFor returns the stored access code for an exact topic string.
func (i *Identity) AccessFor(topic string) (Access, bool) {
	if i.TopicAccess == nil {
		return 0, false
	}
	acc, ok := i.TopicAccess[topic]
	return acc, ok
}

// Manifest describes a skill package. It is untrusted input read from manifest.json.
type Manifest struct {
	Name           string            `json:"name"`
	Slug           string            `json:"slug"`
	Version        string            `json:"version"`
	Description    string            `json:"description,omitempty"`
	Image          string            `json:"image,omitempty"`
	InternetAccess bool              `json:"internet_access"`
	Languages      []string          `json:"languages,omitempty"`
	AutoTrain      *bool             `json:"auto_train,omitempty"` // nil means true
	TopicAccess    map[string]Access `json:"topic_access,omitempty"`
}

// ShouldAutoTrain reports whether sentences are pushed to the training service after install.
func (m *Manifest) ShouldAutoTrain() bool {
	return m.AutoTrain == nil || *m.AutoTrain
}

// HasImage reports whether the manifest references a pre-built image.
func (m *Manifest) HasImage() bool {
	return m.Image != ""
}

// SlugPattern restricts slugs to names usable as container, image tag and directory names.
var SlugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateSlug checks a skill name against SlugPattern.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug cannot be empty")
	}
	if !SlugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug '%s': must be lowercase alphanumeric with '-' or '_' (not at start)", slug)
	}
	return nil
}
