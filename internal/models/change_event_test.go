package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeKind(t *testing.T) {
	cases := map[string]ChangeKind{
		"StableStudy":     ChangeStableStudy,
		"STABLE_STUDY":    ChangeStableStudy,
		"StudyStable":     ChangeStableStudy,
		"NEW_INSTANCE":    ChangeNewInstance,
		"Deleted":         ChangeDeleted,
		"ResourceDeleted": ChangeDeleted,
		" stableseries ":  ChangeStableSeries,
	}
	for in, want := range cases {
		got, err := ParseChangeKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseChangeKind("UpdatedAttachment")
	assert.Error(t, err)
}

func TestParseResourceLevel(t *testing.T) {
	lvl, err := ParseResourceLevel("STUDY")
	require.NoError(t, err)
	assert.Equal(t, LevelStudy, lvl)

	_, err = ParseResourceLevel("frame")
	assert.Error(t, err)
}

func TestNewChangeEvent_StampsTime(t *testing.T) {
	ev := NewChangeEvent(ChangeNewInstance, LevelInstance, "instX", 7, time.Time{})
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "NewInstance Instance/instX", ev.String())
}

func TestInstanceMetadataFromTags_CopiesMap(t *testing.T) {
	tags := map[string]string{"Modality": "CT", "SOPInstanceUID": "1.2.3", "PatientID": "P1"}
	md := InstanceMetadataFromTags("i1", tags)
	tags["Modality"] = "MR"

	assert.Equal(t, "CT", md.Modality)
	assert.Equal(t, "CT", md.Tags["Modality"])
	assert.Equal(t, "1.2.3", md.SOPInstanceUID)
	assert.Equal(t, "P1", md.PatientID)
}
