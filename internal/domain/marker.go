package domain

import "encoding/json"

// AddMarker and RemoveMarker are what globe clients render.
type AddMarker struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

type RemoveMarker struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Departure struct {
	ID string `json:"id"`
}

type Problem struct {
	Message string `json:"message"`
}

func AddMarkerMessage(p Position) ([]byte, error) {
	return json.Marshal(AddMarker{Type: TypeAddMarker, Position: p})
}

func RemoveMarkerMessage(id string) ([]byte, error) {
	return json.Marshal(RemoveMarker{Type: TypeRemoveMarker, ID: id})
}
