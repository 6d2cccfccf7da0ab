// Package intent turns a transcribed utterance into a canned reply or a
// request to ask the backend.
package intent

import (
	"fmt"
	"strings"
)

type Kind int

const (
	// LowConfidence short-circuits everything while the location is uncertain.
	LowConfidence Kind = iota
	LocationQuery
	NavigationQuery
	FallbackQA
)

func (k Kind) String() string {
	switch k {
	case LowConfidence:
		return "low_confidence"
	case LocationQuery:
		return "location_query"
	case NavigationQuery:
		return "navigation_query"
	case FallbackQA:
		return "fallback_qa"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

const (
	SiteMakerSpace = "SCENE_A_MS"
	SiteStudio     = "SCENE_B_STUDIO"
)

// GateThreshold is the confidence at or below which a located user is asked
// for more photos before anything else.
const GateThreshold = 0.7

// ConfidentThreshold is the confidence above which a location is reported
// as known.
const ConfidentThreshold = 0.5

var (
	locationWords   = []string{"am i", "i am", "location", "position"}
	navigationWords = []string{"should i go", "do i go", "can i go", "navigate", "direction", "way", "route"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Classify picks the branch for text given the current location confidence.
// Matching is case-insensitive and intentionally literal.
func Classify(text string, confidence float64) Kind {
	if confidence > 0 && confidence <= GateThreshold {
		return LowConfidence
	}
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "where") && containsAny(t, locationWords):
		return LocationQuery
	case strings.Contains(t, "how") && containsAny(t, navigationWords):
		return NavigationQuery
	}
	return FallbackQA
}

type Location struct {
	Current    string
	Confidence float64
}

type Input struct {
	Text     string
	Location Location
	SiteID   string
	// FirstInquiry is true until the session has asked where it is once.
	FirstInquiry bool
}

// Reply is the outcome of routing. When AskBackend is set, Text is empty and
// the caller forwards the utterance to the QA endpoint.
type Reply struct {
	Kind       Kind
	Text       string
	AskBackend bool
}

// CountsInquiry reports whether the reply consumed a location inquiry.
func (r Reply) CountsInquiry() bool {
	return r.Kind == LocationQuery
}

func Route(in Input) Reply {
	kind := Classify(in.Text, in.Location.Confidence)
	switch kind {
	case LowConfidence:
		return Reply{Kind: kind, Text: LowConfidenceGate(in.Location.Confidence)}
	case LocationQuery:
		return Reply{Kind: kind, Text: locationReply(in)}
	case NavigationQuery:
		return Reply{Kind: kind, Text: navigationReply(in)}
	}
	return Reply{Kind: FallbackQA, AskBackend: true}
}

func percent(conf float64) string {
	return fmt.Sprintf("%.1f%%", conf*100)
}

func LowConfidenceGate(conf float64) string {
	return fmt.Sprintf("Low confidence (%s). Please take photos to confirm your location first.", percent(conf))
}

// TakePhotosFirst is the answer whenever no location has been estimated yet.
const TakePhotosFirst = "I need you to take some photos first so I can give you an accurate location update. Please take a few photos of your surroundings."

func locationReply(in Input) string {
	loc := in.Location
	switch {
	case in.FirstInquiry:
		return Welcome(in.SiteID)
	case loc.Current != "" && loc.Confidence > ConfidentThreshold:
		return fmt.Sprintf("Based on your photos, you are currently at: %s. Confidence: %s.", loc.Current, percent(loc.Confidence))
	case loc.Current != "":
		return fmt.Sprintf("I can see you're near %s, but I'm not very confident (%s). Please take more photos to help me locate you better.", loc.Current, percent(loc.Confidence))
	}
	return TakePhotosFirst
}

// Welcome is the orientation script read on a session's first location query.
func Welcome(siteID string) string {
	switch siteID {
	case SiteMakerSpace:
		return "Welcome to the Maker Space! You are currently at the entrance area. This is a creative workspace with 3D printers, workbenches, and various tools. You can see the yellow line on the floor which will guide you through the space. To your left is a QR code bookshelf, and to your right are component drawers and 3D printers. The space opens up to an atrium area ahead."
	case SiteStudio:
		return "Welcome to the Studio! You are currently at the entrance area. This is a collaborative workspace with workstations, meeting areas, and equipment. You can see the yellow line on the floor which will guide you through the space. The area includes glass-walled meeting rooms, lounge areas, and storage zones. It's designed for team collaboration and creative work."
	}
	return "Welcome! You are at the entrance of this space. Please take some photos to help me understand your current location better."
}

// GenericDirections is read when there is no confident location to route from.
const GenericDirections = "To proceed effectively, focus on moving towards the nearest open space or pathway that appears to lead to a more recognizable area. Since your orientation is unknown, start by facing forward. Walk straight ahead for about ten steps, then turn right and continue for another ten steps. If your surroundings still seem unclear after moving, consider taking a photo to help identify your location."

func navigationReply(in Input) string {
	loc := in.Location
	if loc.Current == "" || loc.Confidence <= ConfidentThreshold {
		return GenericDirections
	}
	switch in.SiteID {
	case SiteMakerSpace:
		return fmt.Sprintf("Based on your photos, you're at %s. From here, you can follow the yellow line on the floor. If you want to reach the 3D printer area, walk straight ahead about 5 steps, then turn right. For the atrium area, continue straight along the yellow line for about 10 steps.", loc.Current)
	case SiteStudio:
		return fmt.Sprintf("Based on your photos, you're at %s. From here, you can follow the yellow line on the floor. If you want to reach the workstation area, walk straight ahead about 6 steps. For the glass meeting rooms, turn right and follow the path for about 8 steps.", loc.Current)
	}
	return fmt.Sprintf("Based on your photos, you're at %s. I can see your surroundings clearly now. Please let me know your destination and I'll provide specific navigation instructions.", loc.Current)
}
