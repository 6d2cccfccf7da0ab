package intent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		conf float64
		want Kind
	}{
		{"where am I", 0.9, LocationQuery},
		{"Where AM I?", 0, LocationQuery},
		{"where is my position", 0.95, LocationQuery},
		{"where I am now", 0.8, LocationQuery},
		{"How do I go to the atrium", 0.9, NavigationQuery},
		{"how should i go", 0, NavigationQuery},
		{"which route, how?", 0, NavigationQuery},
		{"show me the way", 0.9, FallbackQA},
		{"where is the printer", 0.9, FallbackQA},
		{"what color is the wall", 0, FallbackQA},
		{"where am I", 0.5, LowConfidence},
		{"what color is the wall", 0.7, LowConfidence},
		{"how do i go", 0.01, LowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text, tt.conf))
		})
	}
}

func TestGateWins(t *testing.T) {
	r := Route(Input{Text: "where am I", Location: Location{Current: "Room 3", Confidence: 0.5}, SiteID: SiteMakerSpace, FirstInquiry: true})
	assert.Equal(t, LowConfidence, r.Kind)
	assert.Equal(t, "Low confidence (50.0%). Please take photos to confirm your location first.", r.Text)
	assert.False(t, r.AskBackend)
	assert.False(t, r.CountsInquiry())
}

func TestLocationReplies(t *testing.T) {
	first := Route(Input{Text: "Where am I", SiteID: SiteMakerSpace, FirstInquiry: true})
	assert.Equal(t, LocationQuery, first.Kind)
	assert.True(t, first.CountsInquiry())
	assert.True(t, strings.HasPrefix(first.Text, "Welcome to the Maker Space! You are currently at the entrance area."))
	assert.Equal(t, Welcome(SiteMakerSpace), first.Text)

	studio := Route(Input{Text: "where am i", SiteID: SiteStudio, FirstInquiry: true})
	assert.True(t, strings.HasPrefix(studio.Text, "Welcome to the Studio!"))

	other := Route(Input{Text: "where am i", SiteID: "ELSEWHERE", FirstInquiry: true})
	assert.Equal(t, "Welcome! You are at the entrance of this space. Please take some photos to help me understand your current location better.", other.Text)

	confident := Route(Input{Text: "where am I", SiteID: SiteMakerSpace, Location: Location{Current: "Room 3", Confidence: 0.8}})
	assert.Equal(t, "Based on your photos, you are currently at: Room 3. Confidence: 80.0%.", confident.Text)

	// 0.6 would trip the gate; only unlocated or zero confidence reaches these
	unsure := Route(Input{Text: "where am I", Location: Location{Current: "Room 3"}})
	assert.Equal(t, "I can see you're near Room 3, but I'm not very confident (0.0%). Please take more photos to help me locate you better.", unsure.Text)

	none := Route(Input{Text: "where am I"})
	assert.Equal(t, "I need you to take some photos first so I can give you an accurate location update. Please take a few photos of your surroundings.", none.Text)
}

func TestNavigationReplies(t *testing.T) {
	generic := Route(Input{Text: "how do I go to the exit", SiteID: SiteMakerSpace})
	assert.Equal(t, NavigationQuery, generic.Kind)
	assert.Equal(t, GenericDirections, generic.Text)
	assert.False(t, generic.CountsInquiry())

	ms := Route(Input{Text: "how do I go", SiteID: SiteMakerSpace, Location: Location{Current: "Entrance", Confidence: 0.9}})
	assert.Contains(t, ms.Text, "Based on your photos, you're at Entrance.")
	assert.Contains(t, ms.Text, "If you want to reach the 3D printer area, walk straight ahead about 5 steps, then turn right.")

	studio := Route(Input{Text: "how can i go", SiteID: SiteStudio, Location: Location{Current: "Lounge", Confidence: 0.9}})
	assert.Contains(t, studio.Text, "For the glass meeting rooms, turn right and follow the path for about 8 steps.")

	unknown := Route(Input{Text: "how can i go", SiteID: "X", Location: Location{Current: "Lounge", Confidence: 0.9}})
	assert.Contains(t, unknown.Text, "Please let me know your destination")
}

func TestFallback(t *testing.T) {
	r := Route(Input{Text: "what is on the shelf", Location: Location{Current: "Room 3", Confidence: 0.95}})
	assert.Equal(t, FallbackQA, r.Kind)
	assert.True(t, r.AskBackend)
	assert.Empty(t, r.Text)
	assert.Equal(t, "fallback_qa", r.Kind.String())
}
