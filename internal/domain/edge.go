package domain

import (
	"net/http"
	"time"
)

const (
	HeaderLatitude  = "CF-IPLatitude"
	HeaderLongitude = "CF-IPLongitude"
	HeaderCountry   = "CF-IPCountry"
	HeaderRegion    = "CF-Region"
	HeaderCity      = "CF-IPCity"
	HeaderRay       = "CF-Ray"
)

// EdgeContext is the request metadata added by the network edge in front of us.
type EdgeContext struct {
	IP        string `json:"ip,omitempty"`
	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`
	City      string `json:"city,omitempty"`
	Ray       string `json:"ray,omitempty"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

func EdgeFromHeader(h http.Header, clientIP string) EdgeContext {
	return EdgeContext{
		IP:        clientIP,
		Country:   h.Get(HeaderCountry),
		Region:    h.Get(HeaderRegion),
		City:      h.Get(HeaderCity),
		Ray:       h.Get(HeaderRay),
		Latitude:  h.Get(HeaderLatitude),
		Longitude: h.Get(HeaderLongitude),
	}
}

func (e EdgeContext) IsZero() bool {
	return e == EdgeContext{}
}

// EnrichWith stamps an envelope received from an out-of-band producer.
func (e *Envelope) EnrichWith(edge EdgeContext, serverTime time.Time) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Time.IsZero() {
		e.Time = serverTime.UTC()
	}
	if e.SpecVersion == "" {
		e.SpecVersion = SpecVersion
	}
	if e.DataContentType == "" {
		e.DataContentType = ContentTypeJSON
	}
	if !edge.IsZero() {
		if e.Extensions == nil {
			e.Extensions = make(map[string]any, 1)
		}
		e.Extensions[ExtensionEdge] = edge
	}
}
