package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := DefaultClassifier()
	pharmacyEntry := &CatalogEntry{Categories: []string{"In-house PHARMACY"}}
	labEntry := &CatalogEntry{Categories: []string{"Clinical Pathology"}}

	tests := []struct {
		name   string
		charge CaseCharge
		entry  *CatalogEntry
		want   Bucket
	}{
		{"physician flag wins over category", CaseCharge{Line: PhysicianLine, Kind: KindDoctor}, pharmacyEntry, BucketDoctor},
		{"kind tag", CaseCharge{Kind: KindPharmacy}, nil, BucketPharmacy},
		{"category substring, any case", CaseCharge{Kind: KindHospital}, pharmacyEntry, BucketPharmacy},
		{"pathology category", CaseCharge{Kind: KindHospital}, labEntry, BucketPathology},
		{"fallback", CaseCharge{Kind: KindHospital}, &CatalogEntry{Categories: []string{"Room"}}, BucketHospital},
		{"freeform hospital", CaseCharge{}, nil, BucketHospital},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.charge, tt.entry))
		})
	}
}

func TestNewClassifier_CustomKeywords(t *testing.T) {
	c, err := NewClassifier(map[string][]string{"Pathology": {" Lab ", "radiology"}})
	require.NoError(t, err)

	got := c.Classify(CaseCharge{Kind: KindHospital}, &CatalogEntry{Categories: []string{"Radiology"}})
	assert.Equal(t, BucketPathology, got)

	_, err = NewClassifier(map[string][]string{"doctor": {"consult"}})
	assert.Error(t, err)
}
