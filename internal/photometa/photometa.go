// Package photometa reads capture provenance (time, GPS, camera) from the
// EXIF block of an uploaded photo. It is recorded per artifact for audit
// and never influences the quality verdict.
package photometa

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/store"
)

// Extract decodes EXIF metadata from image bytes. It returns nil and no
// error when the image carries EXIF without any of the recorded fields.
func Extract(data []byte) (c *store.Capture, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("decode EXIF metadata: panic: %v", r)
		}
	}()

	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode EXIF metadata: %w", err)
	}

	capture := &store.Capture{}
	found := false

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		capture.Latitude = gps.Latitude()
		capture.Longitude = gps.Longitude()
		found = true
	}

	for _, t := range []time.Time{exifData.DateTimeOriginal(), exifData.CreateDate(), exifData.ModifyDate()} {
		if !t.IsZero() {
			taken := t
			capture.TakenAt = &taken
			found = true
			break
		}
	}

	camera := strings.TrimSpace(strings.TrimSpace(exifData.Make) + " " + strings.TrimSpace(exifData.Model))
	if camera != "" {
		capture.Camera = camera
		found = true
	}

	if !found {
		return nil, nil
	}
	log.Debug().
		Bool("hasGps", capture.Latitude != 0 || capture.Longitude != 0).
		Bool("hasDate", capture.TakenAt != nil).
		Str("camera", capture.Camera).
		Msg("Capture metadata extracted")
	return capture, nil
}

// ExtractOrNil is Extract for callers that treat metadata as optional.
func ExtractOrNil(data []byte) *store.Capture {
	c, err := Extract(data)
	if err != nil {
		log.Debug().Err(err).Msg("No capture metadata")
		return nil
	}
	return c
}
