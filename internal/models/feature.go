package models

import (
	"fmt"
	"sort"
	"strings"
)

// Feature is a category tag used for cost weighting, cache partitioning and
// analytics grouping.
type Feature string

const (
	FeatureChat               Feature = "chat"
	FeatureImageGeneration    Feature = "image_generation"
	FeatureVideoAnalysis      Feature = "video_analysis"
	FeatureWebScraping        Feature = "web_scraping"
	FeatureDeepSearch         Feature = "deep_search"
	FeatureBackgroundLearning Feature = "background_learning"
)

// PriorityClass is used for reporting only, never for admission.
type PriorityClass string

const (
	PriorityHigh   PriorityClass = "high"
	PriorityMedium PriorityClass = "medium"
	PriorityLow    PriorityClass = "low"
)

// FeatureCost describes how much one request of a feature weighs.
type FeatureCost struct {
	Feature       Feature       `json:"feature"`
	RequestWeight int64         `json:"request_weight"`
	TokenWeight   int64         `json:"token_weight"`
	Credits       int64         `json:"credits"`
	Priority      PriorityClass `json:"priority"`
}

// FeatureCostTable maps every known feature to its cost.
type FeatureCostTable map[Feature]FeatureCost

// DefaultFeatureCosts returns the built-in cost table.
func DefaultFeatureCosts() FeatureCostTable {
	return FeatureCostTable{
		FeatureChat:               {Feature: FeatureChat, RequestWeight: 1, TokenWeight: 1000, Credits: 10, Priority: PriorityHigh},
		FeatureImageGeneration:    {Feature: FeatureImageGeneration, RequestWeight: 5, TokenWeight: 2500, Credits: 200, Priority: PriorityHigh},
		FeatureVideoAnalysis:      {Feature: FeatureVideoAnalysis, RequestWeight: 10, TokenWeight: 5000, Credits: 300, Priority: PriorityMedium},
		FeatureWebScraping:        {Feature: FeatureWebScraping, RequestWeight: 2, TokenWeight: 1500, Credits: 50, Priority: PriorityMedium},
		FeatureDeepSearch:         {Feature: FeatureDeepSearch, RequestWeight: 3, TokenWeight: 3000, Credits: 100, Priority: PriorityMedium},
		FeatureBackgroundLearning: {Feature: FeatureBackgroundLearning, RequestWeight: 1, TokenWeight: 500, Credits: 20, Priority: PriorityLow},
	}
}

// Lookup returns the cost for f.
func (t FeatureCostTable) Lookup(f Feature) (FeatureCost, bool) {
	c, ok := t[f]
	return c, ok
}

// Features returns the known features in a stable order.
func (t FeatureCostTable) Features() []Feature {
	out := make([]Feature, 0, len(t))
	for f := range t {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseFeature accepts the canonical name as well as dashed spellings
// such as "image-generation".
func ParseFeature(s string) (Feature, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	f := Feature(normalized)
	if _, ok := DefaultFeatureCosts()[f]; !ok {
		return "", fmt.Errorf("unknown feature %q", s)
	}
	return f, nil
}
