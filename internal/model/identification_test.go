package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusForConfidence_Tiers(t *testing.T) {
	assert.Equal(t, StatusVerified, StatusForConfidence(0.95))
	assert.Equal(t, StatusVerified, StatusForConfidence(0.85)) // boundary is inclusive
	assert.Equal(t, StatusProbable, StatusForConfidence(0.84))
	assert.Equal(t, StatusProbable, StatusForConfidence(0.5))
	assert.Equal(t, StatusUncertain, StatusForConfidence(0.49))
	assert.Equal(t, StatusUncertain, StatusForConfidence(0))
}

func TestIdentificationGrade(t *testing.T) {
	rec := &IdentificationRecord{Fields: map[string]string{FieldGrade: "VF20"}}
	assert.Equal(t, "VF20", rec.Grade())

	empty := &IdentificationRecord{}
	assert.Equal(t, "", empty.Grade())
}
