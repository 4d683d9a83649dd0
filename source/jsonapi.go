package source

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"fundflow/config"
	"fundflow/models"
)

// jsonAdapter extracts a single numeric field from a REST JSON response via
// a documented jsonpath. An optional second path yields the observation
// date; otherwise the adapter stamps the injected clock.
type jsonAdapter struct {
	series     string
	name       string
	path       string
	datePath   string
	dateFormat string
	scale      float64
	price      bool
	metadata   map[string]string
	now        func() time.Time
}

func newJSONAdapter(series string, price bool, spec config.SourceSpec, now func() time.Time) *jsonAdapter {
	return &jsonAdapter{
		series:     series,
		name:       spec.Name,
		path:       spec.JSONPath,
		datePath:   spec.DatePath,
		dateFormat: spec.DateFormat,
		scale:      spec.Scale,
		price:      price,
		metadata:   spec.Metadata,
		now:        now,
	}
}

func (a *jsonAdapter) Name() string { return a.name }

func (a *jsonAdapter) Extract(body []byte) (models.Observation, error) {
	var jobj any
	if err := json.Unmarshal(body, &jobj); err != nil {
		return models.Observation{}, &models.ParseError{Source: a.name, Reason: "body is not valid JSON", Err: err}
	}

	value, err := a.numericAt(jobj, a.path)
	if err != nil {
		return models.Observation{}, err
	}
	if a.scale != 0 {
		value *= a.scale
	}

	observedAt := a.now().UTC()
	if a.datePath != "" {
		observedAt, err = a.dateAt(jobj, a.datePath)
		if err != nil {
			return models.Observation{}, err
		}
	}

	if a.price {
		return models.NewPriceObservation(a.series, value, observedAt, a.name, a.metadata)
	}
	return models.NewObservation(a.series, value, observedAt, a.name, a.metadata)
}

func (a *jsonAdapter) numericAt(jobj any, path string) (float64, error) {
	jval, err := jsonpath.Get(path, jobj)
	if err != nil {
		return 0, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("path %q not found", path), Err: err}
	}
	// jsonpath list expressions return a list of one answer; keep the first.
	if jlist, ok := jval.([]any); ok {
		if len(jlist) == 0 {
			return 0, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("path %q matched nothing", path)}
		}
		jval = jlist[0]
	}

	switch v := jval.(type) {
	case float64:
		return v, nil
	case string:
		parsed, err := parseDecorated(v)
		if err != nil {
			return 0, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("value at %q is not numeric", path), Err: err}
		}
		return parsed, nil
	default:
		return 0, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("value at %q has unsupported type %T", path, jval)}
	}
}

func (a *jsonAdapter) dateAt(jobj any, path string) (time.Time, error) {
	jval, err := jsonpath.Get(path, jobj)
	if err != nil {
		return time.Time{}, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("date path %q not found", path), Err: err}
	}
	if jlist, ok := jval.([]any); ok && len(jlist) > 0 {
		jval = jlist[0]
	}
	s, ok := jval.(string)
	if !ok {
		return time.Time{}, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("date at %q is not a string", path)}
	}
	layout := a.dateFormat
	if layout == "" {
		layout = "2006-01-02"
	}
	parsed, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("malformed date %q", s), Err: err}
	}
	return parsed.UTC(), nil
}
