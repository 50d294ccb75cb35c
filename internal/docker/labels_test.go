package docker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels("weather", "1.2.0", "install-123")

	assert.Equal(t, "weather", labels[LabelSkillName])
	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "1.2.0", labels[LabelSkillVersion])
	assert.Equal(t, "install-123", labels[LabelInstallID])
	assert.Len(t, labels, 4)
}

func TestBuildLabels_NoVersion(t *testing.T) {
	labels := BuildLabels("weather", "", "install-456")

	assert.NotContains(t, labels, LabelSkillVersion)
	assert.Len(t, labels, 3)
}

func TestGenerateInstallID(t *testing.T) {
	id1 := GenerateInstallID()
	id2 := GenerateInstallID()

	_, err := uuid.Parse(id1)
	assert.NoError(t, err)
	_, err = uuid.Parse(id2)
	assert.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestNaming(t *testing.T) {
	testCases := []struct {
		skillName string
		tag       string
		filter    string
	}{
		{"time", "skill_time", "skill_name=time"},
		{"weather-2", "skill_weather-2", "skill_name=weather-2"},
	}

	for _, tc := range testCases {
		t.Run(tc.skillName, func(t *testing.T) {
			assert.Equal(t, tc.tag, ImageTag(tc.skillName))
			assert.Equal(t, tc.tag, ContainerName(tc.skillName))
			assert.Equal(t, tc.filter, SkillLabelFilter(tc.skillName))
		})
	}
}
