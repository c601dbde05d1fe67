package tier

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/resilience"
	"github.com/sells-group/rate-remediator/pkg/overpass"
)

// LookupWorker is tier 0: a free OpenStreetMap lookup of the facility. It
// rarely finds rates but harvests the website and phone number the paid
// tiers need.
type LookupWorker struct {
	client       overpass.Client
	radiusMeters int
}

// NewLookupWorker creates the tier 0 worker.
func NewLookupWorker(client overpass.Client, radiusMeters int) *LookupWorker {
	return &LookupWorker{client: client, radiusMeters: radiusMeters}
}

func (w *LookupWorker) Type() model.WorkerType { return model.WorkerTier0Lookup }

func (w *LookupWorker) Attempt(ctx context.Context, gap model.Gap, _ Config) Outcome {
	c := gap.Competitor
	if c.Lat == 0 && c.Lon == 0 {
		o := Failed(CodeNoLocation, "competitor has no coordinates")
		o.NeedsNextTier = true
		return o
	}

	els, err := w.client.Nearby(ctx, overpass.Query{Name: c.Name, Lat: c.Lat, Lon: c.Lon, RadiusMeters: w.radiusMeters})
	if err != nil {
		return providerFailure(ctx, "overpass", err)
	}

	el, ok := bestElement(els, c)
	if !ok {
		o := Failed(CodeNoMatch, "no matching facility in OpenStreetMap")
		o.NeedsNextTier = true
		return o
	}

	source := "https://www.openstreetmap.org/" + el.Ref()
	text := strings.Join([]string{el.Tag("charge"), el.Tag("fee:conditional"), el.Tag("description"), el.Tag("note")}, "\n")
	o := judge(gap, ExtractRates(text, source), 0.3, 0.8, source)
	o.Metadata[MetaOSMRef] = el.Ref()
	if site := el.Tag("contact:website", "website", "url"); site != "" {
		o.Metadata[MetaWebsite] = site
	}
	if phone := el.Tag("contact:phone", "phone"); phone != "" {
		o.Metadata[MetaPhone] = phone
	}
	return o
}

// bestElement prefers a name match and otherwise the nearest self-storage
// facility.
func bestElement(els []overpass.Element, c model.Competitor) (overpass.Element, bool) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	var best overpass.Element
	bestScore := math.Inf(1)
	for _, el := range els {
		elName := strings.ToLower(el.Tag("name"))
		named := name != "" && elName != "" && (strings.Contains(elName, name) || strings.Contains(name, elName))
		if !named && el.Tags["shop"] != "storage_rental" {
			continue
		}
		lat, lon := el.Position()
		score := distanceMeters(c.Lat, c.Lon, lat, lon)
		if !named {
			// Unnamed candidates only win when no name matches.
			score += 1e7
		}
		if score < bestScore {
			best, bestScore = el, score
		}
	}
	return best, !math.IsInf(bestScore, 1)
}

func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

// providerFailure classifies a provider error as a timeout when the
// attempt's deadline passed, otherwise as a provider error.
func providerFailure(ctx context.Context, provider string, err error) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout(provider + ": deadline exceeded")
	}
	o := Failed(CodeProviderError, provider+": "+err.Error())
	o.Err.Transient = resilience.IsTransient(err)
	return o
}
