package cxapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

// queueEntry is an item of the scansQueue response, fields the reconciler
// doesn't use are omitted
type queueEntry struct {
	ID    int64 `json:"id"`
	Stage struct {
		Value string `json:"value"`
	} `json:"stage"`
	LOC    *int64 `json:"loc"`
	Engine *struct {
		ID int64 `json:"id"`
	} `json:"engine"`
	EngineStartedOn timestamp `json:"engineStartedOn"`
}

func (e queueEntry) scan() model.Scan {
	s := model.Scan{
		ID:        e.ID,
		Status:    model.ParseStatus(e.Stage.Value),
		LOC:       -1,
		StartedAt: time.Time(e.EngineStartedOn),
	}
	if e.LOC != nil {
		s.LOC = *e.LOC
	}
	if e.Engine != nil {
		s.EngineID = e.Engine.ID
	}
	return s
}

// the service emits timestamps both with and without a zone
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

type timestamp time.Time

func (t *timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			*t = timestamp(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", s)
}
