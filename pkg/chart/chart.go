// Package chart projects scored records into the payload rendered by the
// dashboard's scatter chart.
package chart

import "github.com/hed1ad/flowguard/pkg/flow"

// Point colors, chosen by verdict.
const (
	AnomalyColor = "#FF6384"
	NormalColor  = "#36A2EB"
)

// Point is one scatter point: source address on x, byte count on y.
type Point struct {
	X string `json:"x"`
	Y int64  `json:"y"`
}

// Payload is index aligned: Labels[i], Points[i] and Colors[i] describe the same record.
type Payload struct {
	Labels []string `json:"labels"`
	Points []Point  `json:"points"`
	Colors []string `json:"colors"`
}

// Project builds a Payload from records. Records sharing a source address
// remain separate points.
func Project(records []flow.Scored) Payload {
	p := Payload{
		Labels: make([]string, len(records)),
		Points: make([]Point, len(records)),
		Colors: make([]string, len(records)),
	}
	for i, r := range records {
		p.Labels[i] = r.SrcIP
		p.Points[i] = Point{X: r.SrcIP, Y: r.SrcBytes}
		p.Colors[i] = Color(r.IsAnomaly)
	}
	return p
}

// Color returns the point color for a verdict.
func Color(anomaly bool) string {
	if anomaly {
		return AnomalyColor
	}
	return NormalColor
}

// Len returns the number of points.
func (p Payload) Len() int {
	return len(p.Labels)
}
