// Package catalog is the static price table for generation services.
//
// Entries are loaded once at startup and never change afterwards. A
// lookup miss is a caller error: the catalog never invents a default
// price, because silently defaulting a price is the worst bug this
// subsystem could have.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/genbot/starledger/internal/pricing"
)

var ErrUnknownService = errors.New("unknown service")

// InputKind describes what a model accepts as input.
type InputKind string

const (
	InputText  InputKind = "text"
	InputImage InputKind = "image"
	InputAudio InputKind = "audio"
	InputVideo InputKind = "video"
)

// Entry is the immutable price record for one service/model.
type Entry struct {
	ServiceID   string      `json:"serviceId"`
	BaseCost    pricing.USD `json:"baseCost"` // reference currency, before markup
	Inputs      []InputKind `json:"inputs"`
	DisplayName string      `json:"displayName"`
}

// Accepts reports whether the service takes the given input kind.
func (e Entry) Accepts(kind InputKind) bool {
	for _, in := range e.Inputs {
		if in == kind {
			return true
		}
	}
	return false
}

// Catalog is a read-only serviceId → Entry mapping.
type Catalog struct {
	entries map[string]Entry
}

// New builds a catalog from a list of entries. Duplicate service ids are
// rejected so a config mistake cannot shadow a price.
func New(entries []Entry) (*Catalog, error) {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.ServiceID == "" {
			return nil, fmt.Errorf("catalog: entry with empty service id (display name %q)", e.DisplayName)
		}
		if e.BaseCost < 0 {
			return nil, fmt.Errorf("catalog: negative base cost for %s", e.ServiceID)
		}
		if _, dup := m[e.ServiceID]; dup {
			return nil, fmt.Errorf("catalog: duplicate service id %s", e.ServiceID)
		}
		m[e.ServiceID] = e
	}
	return &Catalog{entries: m}, nil
}

// LoadFile reads a JSON array of entries from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return New(entries)
}

// Default returns the built-in price table for the generation models the
// bot resells. Used when no catalog file is configured.
func Default() *Catalog {
	c, err := New([]Entry{
		{ServiceID: "image.sd3", BaseCost: 0.04, Inputs: []InputKind{InputText}, DisplayName: "Stable Diffusion 3"},
		{ServiceID: "image.flux", BaseCost: 0.06, Inputs: []InputKind{InputText, InputImage}, DisplayName: "Flux Pro"},
		{ServiceID: "image.upscale", BaseCost: 0.02, Inputs: []InputKind{InputImage}, DisplayName: "Image Upscale"},
		{ServiceID: "video.kling", BaseCost: 0.45, Inputs: []InputKind{InputText, InputImage}, DisplayName: "Kling Video"},
		{ServiceID: "video.runway", BaseCost: 0.5, Inputs: []InputKind{InputText, InputImage}, DisplayName: "Runway Gen-3"},
		{ServiceID: "voice.clone", BaseCost: 0.1, Inputs: []InputKind{InputAudio}, DisplayName: "Voice Clone"},
		{ServiceID: "voice.tts", BaseCost: 0.015, Inputs: []InputKind{InputText}, DisplayName: "Text to Speech"},
	})
	if err != nil {
		panic("catalog: invalid built-in table: " + err.Error())
	}
	return c
}

// Get looks up a service. A miss returns ErrUnknownService wrapped with
// the requested id.
func (c *Catalog) Get(serviceID string) (Entry, error) {
	e, ok := c.entries[serviceID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	return e, nil
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// List returns all entries. Order is unspecified.
func (c *Catalog) List() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Quote computes the billable star price for a service under the given
// markup and star unit value.
func (c *Catalog) Quote(serviceID string, markup float64, starUnit pricing.USD) (pricing.Stars, error) {
	e, err := c.Get(serviceID)
	if err != nil {
		return 0, err
	}
	return pricing.FinalServiceCost(e.BaseCost, markup, starUnit)
}
