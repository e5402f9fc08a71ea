// ABOUTME: Weather route of the answer pipeline
// ABOUTME: Keyword matching, location extraction by pattern or model, and report formatting

package answer

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/2389/richatz/internal/llm"
)

// locationPattern captures the phrase after "in", "at" or "di".
var locationPattern = regexp.MustCompile(`(?i)\b(?:in|at|di)\s+([\p{L}\p{N}][\p{L}\p{N} .'-]*)`)

// trailingWords are dropped from the end of a captured location.
var trailingWords = map[string]bool{
	"today": true, "tomorrow": true, "now": true, "tonight": true, "right": true,
	"currently": true, "please": true, "hari": true, "ini": true, "besok": true,
	"sekarang": true, "nanti": true, "malam": true,
}

const extractionInstruction = "Extract the location name from the following text. " +
	"Reply with only the location name, or the single word None if there is no location.\n\nText: %s"

func (r *Resolver) matchWeather(prompt string) bool {
	if r.weather == nil {
		return false
	}
	p := strings.ToLower(prompt)
	for _, kw := range r.cfg.WeatherKeywords {
		if strings.Contains(p, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (r *Resolver) handleWeather(ctx context.Context, prompt string, history HistoryFunc) (string, bool, error) {
	location := r.extractLocation(ctx, prompt, history)

	wctx := ctx
	if r.cfg.WeatherTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, r.cfg.WeatherTimeout)
		defer cancel()
	}

	report, err := r.weather.Current(wctx, location)
	if err != nil {
		return "", false, &ProviderError{Capability: string(SourceWeather), Err: err}
	}

	if !report.OK() {
		return fmt.Sprintf("Sorry, I couldn't get the weather for %s right now.", location), true, nil
	}

	place := report.Location
	if place == "" {
		place = location
	}
	return fmt.Sprintf("The weather in %s is currently %s with a temperature of %d°C.",
		place, report.Description, int(math.Round(report.TempC))), true, nil
}

// extractLocation never fails: it falls back from model to pattern to the
// configured default.
func (r *Resolver) extractLocation(ctx context.Context, prompt string, history HistoryFunc) string {
	if r.cfg.LocationExtraction == "model" {
		if loc, ok := r.extractLocationWithModel(ctx, prompt, history); ok {
			return loc
		}
	}
	if loc := extractLocationPattern(prompt); loc != "" {
		return loc
	}
	return r.cfg.DefaultLocation
}

// extractLocationWithModel asks the model for the location. The last
// MemoryWindow turns are included so follow-ups can refer back.
func (r *Resolver) extractLocationWithModel(ctx context.Context, prompt string, history HistoryFunc) (string, bool) {
	var memory []llm.Turn
	if history != nil && r.cfg.MemoryWindow > 0 {
		turns, err := history(ctx, r.cfg.MemoryWindow)
		if err != nil {
			r.logger.Debug("skipping memory for location extraction", "error", err)
		} else {
			memory = turns
		}
	}

	reply, err := r.chat(ctx, memory, fmt.Sprintf(extractionInstruction, prompt))
	if err != nil {
		r.observer.ProviderFailed("location")
		r.logger.Warn("location extraction failed", "error", err)
		return "", false
	}

	loc := strings.Trim(strings.TrimSpace(reply), `"'.`)
	if loc == "" || strings.EqualFold(loc, "none") {
		return "", false
	}
	return loc, true
}

// extractLocationPattern applies the "in/at <place>" heuristic.
func extractLocationPattern(prompt string) string {
	m := locationPattern.FindStringSubmatch(prompt)
	if m == nil {
		return ""
	}
	words := strings.Fields(strings.TrimRight(m[1], " .'-"))
	for len(words) > 0 && trailingWords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
