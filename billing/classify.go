package billing

import (
	"fmt"
	"strings"
)

// Bucket is the reporting classification of a charge. Buckets are display
// only; every bucket sums into gross charges the same way.
type Bucket string

const (
	BucketHospital  Bucket = "hospital"
	BucketPharmacy  Bucket = "pharmacy"
	BucketPathology Bucket = "pathology"
	BucketDoctor    Bucket = "doctor"
)

// AllBuckets lists buckets in display order.
var AllBuckets = []Bucket{BucketHospital, BucketPharmacy, BucketPathology, BucketDoctor}

// Classifier assigns buckets by case-insensitive substring match of keywords
// against the charge-kind tag and the catalog entry's categories.
type Classifier struct {
	// Keywords is checked in order: pharmacy first, then pathology.
	Keywords map[Bucket][]string
}

func DefaultClassifier() *Classifier {
	return &Classifier{Keywords: map[Bucket][]string{
		BucketPharmacy:  {"pharmacy"},
		BucketPathology: {"pathology"},
	}}
}

// NewClassifier builds a classifier from configured keywords. Only the
// pharmacy and pathology buckets are keyword driven.
func NewClassifier(keywords map[string][]string) (*Classifier, error) {
	c := DefaultClassifier()
	for name, words := range keywords {
		b := Bucket(strings.ToLower(name))
		if b != BucketPharmacy && b != BucketPathology {
			return nil, fmt.Errorf("bucket %q is not keyword driven", name)
		}
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				lowered = append(lowered, w)
			}
		}
		c.Keywords[b] = lowered
	}
	return c, nil
}

// Classify returns exactly one bucket for the charge. entry may be nil.
func (c *Classifier) Classify(ch CaseCharge, entry *CatalogEntry) Bucket {
	if ch.IsPhysicianService() {
		return BucketDoctor
	}
	haystack := []string{strings.ToLower(string(ch.Kind))}
	if entry != nil {
		for _, cat := range entry.Categories {
			haystack = append(haystack, strings.ToLower(cat))
		}
	}
	for _, b := range []Bucket{BucketPharmacy, BucketPathology} {
		for _, kw := range c.Keywords[b] {
			for _, h := range haystack {
				if kw != "" && strings.Contains(h, kw) {
					return b
				}
			}
		}
	}
	return BucketHospital
}
