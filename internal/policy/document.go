// Package policy builds, signs and verifies the per-device operating
// policy: allowed time windows, grace and override minutes, location
// sampling, batching limits and a server time anchor.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldgate.org/internal/errs"
)

// ErrConfig means a team's policy parameters are missing or inconsistent.
// Nothing is signed when it is returned.
var ErrConfig = errs.New(errs.CodePolicyConfig, "policy: team configuration invalid")

// TimeWindow allows work on Weekday between Start and End ("HH:MM", local
// to the team).
type TimeWindow struct {
	Weekday int    `cbor:"1,keyasint" json:"weekday" yaml:"weekday"`
	Start   string `cbor:"2,keyasint" json:"start" yaml:"start"`
	End     string `cbor:"3,keyasint" json:"end" yaml:"end"`
}

// LocationParams control device location sampling.
type LocationParams struct {
	IntervalSeconds int `cbor:"1,keyasint" json:"interval_seconds" yaml:"interval_seconds"`
	AccuracyMeters  int `cbor:"2,keyasint" json:"accuracy_meters" yaml:"accuracy_meters"`
	MaxAgeSeconds   int `cbor:"3,keyasint" json:"max_age_seconds" yaml:"max_age_seconds"`
}

// BatchingParams bound telemetry uploads.
type BatchingParams struct {
	MaxEvents    int `cbor:"1,keyasint" json:"max_events" yaml:"max_events"`
	MaxBytes     int `cbor:"2,keyasint" json:"max_bytes" yaml:"max_bytes"`
	FlushSeconds int `cbor:"3,keyasint" json:"flush_seconds" yaml:"flush_seconds"`
}

// TeamConfig is the input a document is assembled from.
type TeamConfig struct {
	TeamID          string         `json:"team_id" yaml:"team_id"`
	TimeWindows     []TimeWindow   `json:"time_windows" yaml:"time_windows"`
	GraceMinutes    int            `json:"grace_minutes" yaml:"grace_minutes"`
	OverrideMinutes int            `json:"override_minutes" yaml:"override_minutes"`
	Location        LocationParams `json:"location" yaml:"location"`
	Batching        BatchingParams `json:"batching" yaml:"batching"`
}

// Validate reports the first problem as an ErrConfig.
func (c TeamConfig) Validate() error {
	if strings.TrimSpace(c.TeamID) == "" {
		return fmt.Errorf("%w: team id missing", ErrConfig)
	}
	if len(c.TimeWindows) == 0 {
		return fmt.Errorf("%w: team %s has no time windows", ErrConfig, c.TeamID)
	}
	for i, w := range c.TimeWindows {
		if err := w.validate(); err != nil {
			return fmt.Errorf("%w: team %s window %d: %v", ErrConfig, c.TeamID, i, err)
		}
	}
	if c.GraceMinutes < 0 {
		return fmt.Errorf("%w: team %s grace minutes negative", ErrConfig, c.TeamID)
	}
	if c.OverrideMinutes <= 0 {
		return fmt.Errorf("%w: team %s override minutes not set", ErrConfig, c.TeamID)
	}
	l := c.Location
	if l.IntervalSeconds <= 0 || l.AccuracyMeters <= 0 || l.MaxAgeSeconds <= 0 {
		return fmt.Errorf("%w: team %s location parameters incomplete", ErrConfig, c.TeamID)
	}
	b := c.Batching
	if b.MaxEvents <= 0 || b.MaxBytes <= 0 || b.FlushSeconds <= 0 {
		return fmt.Errorf("%w: team %s batching limits incomplete", ErrConfig, c.TeamID)
	}
	return nil
}

func (w TimeWindow) validate() error {
	if w.Weekday < int(time.Sunday) || w.Weekday > int(time.Saturday) {
		return fmt.Errorf("weekday %d out of range", w.Weekday)
	}
	start, err := minuteOfDay(w.Start)
	if err != nil {
		return err
	}
	end, err := minuteOfDay(w.End)
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("window %s-%s is empty", w.Start, w.End)
	}
	return nil
}

func minuteOfDay(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("time %q not HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}

// Anchor ties the document to server time.
type Anchor struct {
	ServerTime     int64 `cbor:"1,keyasint" json:"server_time"`
	MaxSkewSeconds int64 `cbor:"2,keyasint" json:"max_skew_seconds"`
	MaxAgeSeconds  int64 `cbor:"3,keyasint" json:"max_age_seconds"`
}

// Document is the signed payload. Times are unix seconds.
type Document struct {
	DeviceID        string         `cbor:"1,keyasint" json:"device_id"`
	TeamID          string         `cbor:"2,keyasint" json:"team_id"`
	Version         uint64         `cbor:"3,keyasint" json:"version"`
	IssuedAt        int64          `cbor:"4,keyasint" json:"issued_at"`
	ExpiresAt       int64          `cbor:"5,keyasint" json:"expires_at"`
	TimeWindows     []TimeWindow   `cbor:"6,keyasint" json:"time_windows"`
	GraceMinutes    int            `cbor:"7,keyasint" json:"grace_minutes"`
	OverrideMinutes int            `cbor:"8,keyasint" json:"override_minutes"`
	Location        LocationParams `cbor:"9,keyasint" json:"location"`
	Batching        BatchingParams `cbor:"10,keyasint" json:"batching"`
	Anchor          Anchor         `cbor:"11,keyasint" json:"anchor"`
	KeyID           string         `cbor:"12,keyasint" json:"key_id"`
}

// Expiry returns ExpiresAt as a time.
func (d Document) Expiry() time.Time { return time.Unix(d.ExpiresAt, 0).UTC() }

// Issued returns IssuedAt as a time.
func (d Document) Issued() time.Time { return time.Unix(d.IssuedAt, 0).UTC() }

// ServerTime returns the anchor's server time.
func (d Document) ServerTime() time.Time { return time.Unix(d.Anchor.ServerTime, 0).UTC() }

// Signed is what a device receives.
type Signed struct {
	Payload   []byte    `json:"payload"`
	Signature []byte    `json:"signature"`
	KeyID     string    `json:"key_id"`
	Digest    string    `json:"digest"`
	Version   uint64    `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}
