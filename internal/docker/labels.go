package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys put on skill resources. LabelSkillName is the discovery key:
// skill containers are always found by this label, never by container name.
const (
	LabelSkillName    = "skill_name"
	LabelManaged      = "skillbox.managed"
	LabelSkillVersion = "skillbox.skill.version"
	LabelInstallID    = "skillbox.install.id"
)

// Default network names.
const (
	// BusNetwork is the internal network shared by skills and the broker.
	BusNetwork = "mqtt-net"
	// InternetNetwork is attached only to skills that request internet access.
	InternetNetwork = "bridge"
	// BrokerAlias is the DNS name of this service on the bus network.
	BrokerAlias = "mqtt.server"
)

// BuildLabels creates the label set for a skill container.
// version may be empty.
func BuildLabels(skillName, version, installID string) map[string]string {
	labels := map[string]string{
		LabelSkillName: skillName,
		LabelManaged:   "true",
		LabelInstallID: installID,
	}

	if version != "" {
		labels[LabelSkillVersion] = version
	}

	return labels
}

// GenerateInstallID creates a new UUID for one install attempt.
func GenerateInstallID() string {
	return uuid.New().String()
}

// SkillLabelFilter returns the label filter that selects a skill's container.
func SkillLabelFilter(skillName string) string {
	return fmt.Sprintf("%s=%s", LabelSkillName, skillName)
}

// ImageTag returns the deterministic image tag for a skill.
func ImageTag(skillName string) string {
	return fmt.Sprintf("skill_%s", skillName)
}

// ContainerName returns the container name for a skill. It equals the image tag.
func ContainerName(skillName string) string {
	return ImageTag(skillName)
}
